package testutil

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"

	"github.com/Moxxcompany/LockbayPaymentFixing-sub000/libs/webhooksig"
)

func MakeAuthRequest(router *gin.Engine, method, path string, body any, token string) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func MakeAPIRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	return MakeAuthRequest(router, method, path, body, "")
}

// MakeSignedRequest posts a provider webhook with the body signed the way
// providers sign deliveries.
func MakeSignedRequest(router *gin.Engine, path, secret string, body any) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhooksig.HeaderSignature, webhooksig.Sign(secret, payload))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

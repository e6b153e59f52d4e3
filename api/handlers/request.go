package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/BaSui01/ddrflow/types"
	"go.uber.org/zap"
)

// maxBodyBytes 请求体上限
const maxBodyBytes = 1 << 20

// DecodeJSONBody 严格解码请求体到 dst：拒绝空体、未知字段与超过 1 MB 的请求。
// 返回错误时响应已经写出。
func DecodeJSONBody(w http.ResponseWriter, r *http.Request, dst any, logger *zap.Logger) error {
	fail := func(msg string, cause error) error {
		e := types.NewInvalidRequestError(msg)
		if cause != nil {
			e = e.WithCause(cause)
		}
		WriteError(w, r, e, logger)
		return e
	}

	if r.Body == nil || r.Body == http.NoBody {
		return fail("request body is empty", nil)
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil {
		return nil
	}

	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return fail("request body too large", err)
	case errors.Is(err, io.EOF):
		return fail("request body is empty", err)
	}
	return fail("invalid JSON body", err)
}

// ValidateContentType 要求 application/json，否则写出 415
func ValidateContentType(w http.ResponseWriter, r *http.Request, logger *zap.Logger) bool {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err == nil && mt == "application/json" {
		return true
	}
	WriteErrorMessage(w, r, http.StatusUnsupportedMediaType, types.ErrInvalidRequest,
		"Content-Type must be application/json", logger)
	return false
}

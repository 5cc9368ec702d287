package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/hitoshi/vibeplan/internal/middleware"
	"github.com/hitoshi/vibeplan/internal/model"
)

// maxRequestBodyBytes はリクエストボディの読み取り上限。
const maxRequestBodyBytes = 64 << 10

// validate はリクエストボディの検証器。エラーにはJSONのフィールド名を使う。
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeRequest はJSONボディをdstに読み込み、構造体タグに従って検証する。
// ボディが空の場合はゼロ値のまま検証する。
func decodeRequest(r *http.Request, w http.ResponseWriter, dst any) *model.APIError {
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return model.NewInvalidRequestError()
	}
	if err := validate.Struct(dst); err != nil {
		return model.NewValidationError(describeValidationError(err))
	}
	return nil
}

// describeValidationError は検証エラーを「フィールド: 理由」の形式にまとめる。
func describeValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), namespaceRoot(fe))
		if field == "" {
			field = fe.Field()
		}
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s: %s=%s", field, fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", field, fe.Tag()))
		}
	}
	return strings.Join(parts, ", ")
}

// namespaceRoot は"createSessionRequest.group_size_hint"の先頭の構造体名部分を返す。
func namespaceRoot(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.IndexByte(ns, '.'); i >= 0 {
		return ns[:i+1]
	}
	return ""
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		statusCode := mapAPIErrorToHTTPStatus(apiErr)
		middleware.WriteErrorResponse(w, statusCode, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeInvalidRequest, model.ErrCodeValidationFailed:
		return http.StatusBadRequest
	case model.ErrCodeSessionNotFound, model.ErrCodeInviteNotFound, model.ErrCodeParticipantNotFound:
		return http.StatusNotFound
	case model.ErrCodeSessionExpired:
		return http.StatusGone
	case model.ErrCodeConcurrentUpdate:
		return http.StatusConflict
	case model.ErrCodeStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

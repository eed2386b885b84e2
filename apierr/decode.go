package apierr

import (
	"errors"
	"io"
	"net/http"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/livegate/internal/jsoncodec"
)

// MaxBodyBytes bounds the request bodies accepted by DecodeJSON.
const MaxBodyBytes = 1 << 20

var jsonMediaType = contenttype.NewMediaType("application/json")

// Validator is implemented by request bodies that check their own fields.
// Validate should return a *ValidationError for field violations.
type Validator interface {
	Validate() error
}

// DecodeJSON decodes the JSON request body into dst and runs its Validate
// method when it has one.
func DecodeJSON(r *http.Request, dst any) error {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		return New(http.StatusUnsupportedMediaType, "Content-Type must be application/json").WithCode(CodeUnsupportedMedia)
	}

	body := io.LimitReader(r.Body, MaxBodyBytes+1)
	data, err := io.ReadAll(body)
	if err != nil {
		return New(http.StatusBadRequest, "Unable to read request body").WithCode(CodeInvalidJSON)
	}
	if len(data) > MaxBodyBytes {
		return New(http.StatusRequestEntityTooLarge, "Request body too large")
	}
	if err := jsoncodec.Unmarshal(data, dst); err != nil {
		return New(http.StatusBadRequest, "Malformed JSON body").WithCode(CodeInvalidJSON)
	}

	if v, ok := dst.(Validator); ok {
		if err := v.Validate(); err != nil {
			var invalid *ValidationError
			if errors.As(err, &invalid) {
				return invalid
			}
			return err
		}
	}
	return nil
}

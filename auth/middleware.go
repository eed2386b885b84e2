package auth

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ggoodman/livegate/apierr"
)

// Require admits only requests a authorizes. Rejections are rendered
// through rd with a Bearer challenge naming realm.
func Require(a Authorizer, rd *apierr.Renderer, realm string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := a.Authorize(r)
			if err != nil {
				rd.Render(w, r, challenge(w, realm, err))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
		})
	}
}

func challenge(w http.ResponseWriter, realm string, err error) error {
	switch {
	case errors.Is(err, errMissingCredentials):
		// No error code when the request carried no credentials at all.
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q`, realm))
		return apierr.New(http.StatusUnauthorized, "Not authenticated").WithCode(apierr.CodeUnauthorized)
	case errors.Is(err, errMalformedHeader):
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error="invalid_request", error_description="Invalid Authorization header"`, realm))
		return apierr.New(http.StatusBadRequest, "Invalid Authorization header").WithCode("invalid_request")
	case errors.Is(err, ErrInsufficientScope):
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error="insufficient_scope"`, realm))
		return apierr.New(http.StatusForbidden, "Insufficient scope").WithCode("insufficient_scope")
	case errors.Is(err, ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q, error="invalid_token"`, realm))
		return apierr.New(http.StatusUnauthorized, "Not authenticated").WithCode(apierr.CodeUnauthorized)
	default:
		return err
	}
}

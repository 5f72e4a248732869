package httpapi

import (
	"bytes"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/libris/circulation/pkg/cache"
)

// cacheHeader reports whether the response was served from the cache.
const cacheHeader = "X-Cache"

// CacheGET serves repeated GETs from the response cache. Only 200 responses
// enter the cache, keyed on path plus normalized query string, so the two
// halves of a paginated listing never collide. Entries expire by TTL alone;
// a read model that just changed keeps serving the previous answer until
// then, which is the same contract projection lag already imposes.
func CacheGET(store cache.Cache, prefix string, ttl time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Method != http.MethodGet {
				return next(c)
			}

			key := cache.Key(prefix, c.Request().URL.Path, c.Request().URL.Query().Encode())
			if body, ok := store.Get(c.Request().Context(), key); ok {
				c.Response().Header().Set(cacheHeader, "HIT")
				return c.JSONBlob(http.StatusOK, body)
			}

			recorder := &captureWriter{ResponseWriter: c.Response().Writer}
			c.Response().Header().Set(cacheHeader, "MISS")
			c.Response().Writer = recorder

			if err := next(c); err != nil {
				return err
			}

			if recorder.status == http.StatusOK {
				store.Set(c.Request().Context(), key, recorder.body.Bytes(), ttl)
			}
			return nil
		}
	}
}

// captureWriter tees the response body so a successful answer can be cached
// after it has been sent.
type captureWriter struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (w *captureWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *captureWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

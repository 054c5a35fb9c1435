package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"

	"rentd/internal/logs"
	"rentd/internal/models"
)

// Recoverer перехватывает панику обработчика: стек в лог, клиенту 500 problem+json.
// http.ErrAbortHandler пробрасывается дальше, как того ждёт net/http.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			reqid := GetRequestID(r)
			logs.Logger.WithFields(logrus.Fields{
				"reqid":  reqid,
				"method": r.Method,
				"uri":    r.RequestURI,
				"panic":  rec,
			}).Errorf("handler panic\n%s", debug.Stack())
			models.WriteProblem(w, http.StatusInternalServerError, "",
				"unexpected server error (see logs by reqid)", map[string]any{"reqid": reqid})
		}()
		next.ServeHTTP(w, r)
	})
}

package i18n

import "net/http"

// Middleware negotiates the response language for every request. A "lang"
// query parameter overrides Accept-Language; the chosen language is echoed in
// Content-Language and the localizer is stored in the request context.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pref := r.URL.Query().Get("lang")
		if pref == "" {
			pref = r.Header.Get("Accept-Language")
		}
		lang := Match(pref)
		w.Header().Set("Content-Language", lang)
		next.ServeHTTP(w, r.WithContext(WithLocalizer(r.Context(), NewLocalizer(lang))))
	})
}

package pipeline

import (
	"net/http"
	"strconv"
	"strings"
)

// injectCORS adds CORS headers based on the inbound Origin and the
// route's allow-list. Runs on live and cached responses alike.
func injectCORS(rc *RequestContext, h http.Header) {
	policy := rc.Route.CORS
	if policy == nil {
		return
	}
	origin := rc.In.Header.Get("Origin")
	if origin == "" || !originAllowed(policy.Origins, origin) {
		return
	}

	if policy.Credentials {
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
	} else if contains(policy.Origins, "*") {
		h.Set("Access-Control-Allow-Origin", "*")
	} else {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	h.Add("Vary", "Origin")

	if len(policy.Methods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(policy.Methods, ", "))
	}
	if len(policy.Headers) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(policy.Headers, ", "))
	}
	if policy.MaxAge > 0 {
		h.Set("Access-Control-Max-Age", strconv.Itoa(int(policy.MaxAge.Seconds())))
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

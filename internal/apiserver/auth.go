package apiserver

import "net/http"

// handleAuthVerify implements the Kubernetes ingress auth subrequest
// (spec §6): NGINX forwards the original request's identity headers here
// and short-circuits on anything but 200. The actual policy decision is
// delegated to deps.Auth so this stays a protocol adapter, not a policy.
func (s *Server) handleAuthVerify(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil {
		// No verifier configured: fail closed rather than silently
		// authorizing every request.
		w.WriteHeader(http.StatusForbidden)
		return
	}

	req := AuthRequest{
		ExpectedUserID: r.Header.Get("X-Expected-User-ID"),
		OriginalURI:    r.Header.Get("X-Original-URI"),
		ForwardedHost:  r.Header.Get("X-Forwarded-Host"),
		Authorization:  r.Header.Get("Authorization"),
	}

	ok, err := s.deps.Auth.Verify(req)
	if err != nil {
		s.logger.Printf("auth verify error for user %q uri %q: %v", req.ExpectedUserID, req.OriginalURI, err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
}

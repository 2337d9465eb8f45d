// Package session manages the authenticated HTTPS session with the appliance.
//
// A Session owns a cookie jar and the server-issued anti-forgery token. The
// token arrives in the CREST-XSRF-TOKEN response header, may change on any
// response, and must be echoed on every later request. Rotation is guarded
// so concurrent requests sharing a session always see a consistent token.
//
// Every failure is returned as a *fault.TransportError so the caller can
// classify it.
//
// Lifecycle:
//
//	s, err := session.New(session.Config{Host: "10.0.0.5", InsecureSkipVerify: true})
//	if err != nil { ... }               // fault.ErrConfiguration for an empty host
//	if err := s.Login(ctx, user, pw); err != nil { ... }
//	body, err := s.Get(ctx, session.DevicePath)
//	defer s.Logout(context.Background())
package session

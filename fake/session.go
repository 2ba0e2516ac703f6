package fake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	console "github.com/chimerakang/admin-console-go"
)

// Credentials are the tokens handed out by a completed sign-in.
type Credentials struct {
	User         console.User
	AccessToken  string
	RefreshToken string
}

// SignIn runs the password and OTP steps for email with client, leaving the
// session cookies in client's jar.
func (s *Server) SignIn(client *http.Client, email, password string) (Credentials, error) {
	var login struct {
		TempToken string `json:"temp_token"`
	}
	if err := s.post(client, console.PathLoginPassword, map[string]string{"email": email, "password": password}, &login); err != nil {
		return Credentials{}, err
	}

	var out struct {
		User         console.User `json:"user"`
		AccessToken  string       `json:"accessToken"`
		RefreshToken string       `json:"refreshToken"`
	}
	s.mu.Lock()
	otp := s.otp
	s.mu.Unlock()
	in := map[string]string{"email": email, "otp": otp, "temp_token": login.TempToken}
	if err := s.post(client, console.PathAuthenticatorValidate, in, &out); err != nil {
		return Credentials{}, err
	}
	return Credentials{User: out.User, AccessToken: out.AccessToken, RefreshToken: out.RefreshToken}, nil
}

// post issues a CSRF-protected POST and decodes the envelope data into out.
func (s *Server) post(client *http.Client, path string, in, out any) error {
	token := uuid.NewString()
	s.mu.Lock()
	s.csrfTokens[token] = true
	s.mu.Unlock()

	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequest(http.MethodPost, s.URL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-XSRF-TOKEN", token)

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fake: POST %s: status %d", path, resp.StatusCode)
	}
	var env console.Envelope[json.RawMessage]
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}

package request

import "github.com/scylladb/scylla-go-driver/frame"

var _ frame.Request = (*Startup)(nil)

// Startup is the first request any connection sends: negotiates the CQL
// version and optional body compression (§4.3).
type Startup struct {
	Options frame.StartupOptions
}

func (s *Startup) WriteTo(b *frame.Buffer) {
	b.WriteStringMap(s.Options)
}

func (*Startup) OpCode() frame.OpCode {
	return frame.OpStartup
}

var _ frame.Request = (*AuthResponse)(nil)

// AuthResponse carries the SASL response token. The only mechanism this
// driver drives locally is the plain-text exchange used by the cloud
// bundle (§4.8): the token is "\x00" + username + "\x00" + password.
type AuthResponse struct {
	Token []byte
}

func PlainTextAuthToken(username, password string) []byte {
	token := make([]byte, 0, len(username)+len(password)+2)
	token = append(token, 0)
	token = append(token, username...)
	token = append(token, 0)
	token = append(token, password...)
	return token
}

func (r *AuthResponse) WriteTo(b *frame.Buffer) {
	b.WriteBytes(r.Token)
}

func (*AuthResponse) OpCode() frame.OpCode {
	return frame.OpAuthResponse
}

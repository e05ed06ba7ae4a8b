package response

import "github.com/scylladb/scylla-go-driver/frame"

// Authenticate is sent instead of READY when the server requires
// authentication; Authenticator names the SASL mechanism class.
type Authenticate struct {
	Authenticator string
}

func (*Authenticate) OpCode() frame.OpCode { return frame.OpAuthenticate }

func ParseAuthenticate(b *frame.Buffer) *Authenticate {
	return &Authenticate{Authenticator: b.ReadString()}
}

// AuthChallenge is one round of a multi-step SASL exchange. This driver
// sends a single AUTH_RESPONSE and does not answer a challenge: the
// connection handshake treats one as an authentication failure, so the
// token is otherwise unused.
type AuthChallenge struct {
	Token []byte
}

func (*AuthChallenge) OpCode() frame.OpCode { return frame.OpAuthChallenge }

func ParseAuthChallenge(b *frame.Buffer) *AuthChallenge {
	return &AuthChallenge{Token: b.ReadBytes()}
}

// AuthSuccess ends the SASL exchange successfully.
type AuthSuccess struct {
	Token []byte
}

func (*AuthSuccess) OpCode() frame.OpCode { return frame.OpAuthSuccess }

func ParseAuthSuccess(b *frame.Buffer) *AuthSuccess {
	return &AuthSuccess{Token: b.ReadBytes()}
}

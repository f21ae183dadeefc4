package smtp

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// XOAuth2 is the SASL mechanism name used by Microsoft 365 and Gmail.
const XOAuth2 = "XOAUTH2"

type xoauth2Client struct {
	username string
	token    string
}

func newXOAuth2Client(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (a *xoauth2Client) Start() (string, []byte, error) {
	ir := "user=" + a.username + "\x01auth=Bearer " + a.token + "\x01\x01"
	return XOAuth2, []byte(ir), nil
}

// Next is only reached when the server rejects the token; the challenge
// carries a JSON error status.
func (a *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	return nil, fmt.Errorf("xoauth2 rejected: %s", challenge)
}

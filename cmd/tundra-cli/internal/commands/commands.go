package commands

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tundradb/tundra-go/internal/logger"
	"github.com/tundradb/tundra-go/pkg/auth"
	"github.com/tundradb/tundra-go/pkg/session"
	"github.com/tundradb/tundra-go/pkg/transport"
)

type Globals struct {
	Debug   bool
	Tracing string
	Version string
}

// ConnectionFlags holds the connection properties shared by commands
// that talk to the service.
type ConnectionFlags struct {
	ServerURL     string `help:"Service URL" required:"" env:"TUNDRA_SERVER_URL"`
	Account       string `help:"Account name" required:"" env:"TUNDRA_ACCOUNT"`
	User          string `help:"Login name" env:"TUNDRA_USER"`
	Password      string `help:"Password" env:"TUNDRA_PASSWORD"`
	Database      string `help:"Default database" env:"TUNDRA_DATABASE"`
	Schema        string `help:"Default schema" env:"TUNDRA_SCHEMA"`
	Warehouse     string `help:"Default warehouse" env:"TUNDRA_WAREHOUSE"`
	Role          string `help:"Default role" env:"TUNDRA_ROLE"`
	Authenticator string `help:"Authenticator (TUNDRA, TUNDRA_JWT, OAUTH, EXTERNALBROWSER)" default:"TUNDRA"`
	Token         string `help:"OAuth access token" env:"TUNDRA_TOKEN"`
	PrivateKey    string `help:"Path to RSA private key file" env:"TUNDRA_PRIVATE_KEY_FILE"`
}

func setup(globals *Globals) {
	l := logger.Setup(globals.Debug, globals.Tracing)
	log.Logger = l
	zerolog.DefaultContextLogger = &l
}

// newSession wires a transport, an authenticator and a session from the
// connection flags. The session is not opened.
func newSession(flags *ConnectionFlags) (*session.Session, error) {
	tr := transport.NewHTTPTransport()
	sess := session.New(auth.NewClient(tr), tr)

	props := map[string]any{
		"serverURL":     flags.ServerURL,
		"account":       flags.Account,
		"user":          flags.User,
		"password":      flags.Password,
		"database":      flags.Database,
		"schema":        flags.Schema,
		"warehouse":     flags.Warehouse,
		"role":          flags.Role,
		"authenticator": flags.Authenticator,
	}
	if flags.Token != "" {
		props["token"] = flags.Token
	}
	if flags.PrivateKey != "" {
		props["privateKeyFile"] = flags.PrivateKey
	}

	for name, value := range props {
		if value == "" {
			continue
		}
		if err := sess.SetProperty(name, value); err != nil {
			return nil, fmt.Errorf("failed to set property %s: %w", name, err)
		}
	}

	return sess, nil
}

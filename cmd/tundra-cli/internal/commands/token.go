package commands

import (
	"context"
	"fmt"

	"github.com/tundradb/tundra-go/pkg/auth"
)

type TokenCmd struct {
	Account     string `help:"Account name" required:"" env:"TUNDRA_ACCOUNT"`
	User        string `help:"Login name" required:"" env:"TUNDRA_USER"`
	PrivateKey  string `help:"Path to RSA private key file" required:"" env:"TUNDRA_PRIVATE_KEY_FILE"`
	KeyPassword string `help:"Private key password" env:"TUNDRA_PRIVATE_KEY_PWD"`
}

func (t *TokenCmd) Run(ctx context.Context) error {
	token, err := auth.BuildKeyPairToken(t.PrivateKey, t.KeyPassword, t.Account, t.User)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}

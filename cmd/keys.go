package cmd

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/example/appt-scheduler/internal/auth"
	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Generate callback, credential and API token secrets",
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, name := range []string{"CALLBACK_HASH_KEY", "CALLBACK_BLOCK_KEY", "CRED_ENC_KEY"} {
				k := make([]byte, 32)
				if _, err := rand.Read(k); err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "export %s=%s\n", name, base64.StdEncoding.EncodeToString(k))
			}

			tok, err := auth.NewToken()
			if err != nil {
				return err
			}
			hash, err := auth.HashToken(tok)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "# API token for clients: %s\n", tok)
			fmt.Fprintf(os.Stdout, "export API_TOKEN_HASH='%s'\n", hash)
			return nil
		},
	}
}

package main

import (
	"crypto/rand"
	"encoding/hex"
	"io"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cryptorec/cencmux/cenc"
)

type KeygenOptions struct {
	UUIDForm bool
}

func NewKeygenCommand() *cobra.Command {
	opts := &KeygenOptions{}

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a content key and key ID",
		Long: `Generate a random 16-byte content key and a random key ID, printed as the
encryption section of a cencmux.yaml file.`,
		Example: `  cencmux keygen > cencmux.yaml
  cencmux keygen --uuid`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(cmd.OutOrStdout(), rand.Reader, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.UUIDForm, "uuid", false, "Print the key ID in UUID form")

	return cmd
}

type keyPair struct {
	KID string `yaml:"kid"`
	Key string `yaml:"key"`
}

func newKeyPair(r io.Reader, uuidForm bool) (keyPair, error) {
	key := make([]byte, cenc.KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return keyPair{}, errors.Wrap(err, "key")
	}
	id, err := uuid.NewRandomFromReader(r)
	if err != nil {
		return keyPair{}, errors.Wrap(err, "kid")
	}
	kid := cenc.KeyID(id)
	pair := keyPair{KID: kid.String(), Key: hex.EncodeToString(key)}
	if uuidForm {
		pair.KID = kid.UUID()
	}
	return pair, nil
}

func runKeygen(w io.Writer, r io.Reader, opts *KeygenOptions) error {
	pair, err := newKeyPair(r, opts.UUIDForm)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	return enc.Encode(map[string]keyPair{"encryption": pair})
}

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"agent-spawner/internal/infra/config"
)

const configKeyEnv = "SPAWNER_CONFIG_KEY"

func encryptCommand(args []string) error {
	return encryptSecret(args, os.Getenv(configKeyEnv), os.Stdin, os.Stdout)
}

// encryptSecret prints an "enc:" value for the config file. The plaintext
// comes from --value or, when that is absent, the first line of in.
func encryptSecret(args []string, passphrase string, in io.Reader, out io.Writer) error {
	fs := pflag.NewFlagSet("encrypt", pflag.ContinueOnError)
	value := fs.String("value", "", "plaintext to encrypt (default: read one line from stdin)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if passphrase == "" {
		return fmt.Errorf("%s is not set", configKeyEnv)
	}

	plaintext := *value
	if !fs.Changed("value") {
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("read value: %w", err)
		}
		plaintext = strings.TrimRight(line, "\r\n")
	}
	if plaintext == "" {
		return fmt.Errorf("nothing to encrypt")
	}

	enc, err := config.EncryptValue(plaintext, passphrase)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "enc:"+enc)
	return nil
}

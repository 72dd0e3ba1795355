// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// virt-who-password encrypts a password for the encrypted_password option
// of virt-who configuration files. The key material lives in a root-owned
// file, so the plaintext never has to appear on disk.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/sapcc/go-api-declarations/bininfo"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/candlepin/virt-who-go/internal/password"
)

func main() {
	if len(os.Args) > 1 {
		bininfo.HandleVersionArgument()
	}
	if err := newCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cobra.Command {
	var keyFile string
	cmd := &cobra.Command{
		Use:   "virt-who-password",
		Short: "Encrypt a password for the encrypted_password config option",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(keyFile)
		},
	}
	cmd.Flags().StringVar(&keyFile, "key-file", password.DefaultKeyFile, "file the key material is kept in")
	return cmd
}

func run(keyFile string) error {
	if keyFile == password.DefaultKeyFile && os.Geteuid() != 0 {
		return fmt.Errorf("only root can encrypt passwords with the system key file")
	}
	plaintext, err := readPassword()
	if err != nil {
		return err
	}
	encrypted, err := password.New(keyFile).Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("cannot encrypt password: %w", err)
	}
	fmt.Println("Use the following as the value of the encrypted_password option:")
	fmt.Println(encrypted)
	return nil
}

// readPassword prompts on the terminal without echo, or reads one line
// when input is piped in.
func readPassword() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Password: ")
		data, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

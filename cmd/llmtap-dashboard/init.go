package main

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

const envFile = ".env"

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a dashboard admin key and store it in .env",
	RunE: func(cmd *cobra.Command, args []string) error {
		adminKey, err := generateAdminKey()
		if err != nil {
			return fmt.Errorf("failed to generate admin key: %w", err)
		}
		if err := writeAdminKey(envFile, adminKey); err != nil {
			return fmt.Errorf("failed to write %s: %w", envFile, err)
		}
		fmt.Printf("AdminKey: %s\nSaved to %s (ADMIN_KEY).\n", adminKey, envFile)
		return nil
	},
}

func generateAdminKey() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "admin_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// writeAdminKey sets ADMIN_KEY in path and keeps every other entry.
func writeAdminKey(path, adminKey string) error {
	env, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return err
		}
		env = map[string]string{}
	}
	env["ADMIN_KEY"] = adminKey
	return godotenv.Write(env, path)
}

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/gocarina/gocsv"

	apperrors "angel-fanout/internal/errors"
	"angel-fanout/internal/models"
	"angel-fanout/internal/security"
)

// LoadAccounts reads the accounts CSV (Code,Pass,Capital,TOTP). Pass and
// TOTP values carrying the enc: prefix are decrypted with vault, which may
// be nil when the file holds no encrypted values. Accounts without a
// capital get defaultCapital. Rows keep their file order.
func LoadAccounts(path string, vault *security.Vault, defaultCapital float64) ([]models.AccountConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.Wrapf(apperrors.ErrConfigMissing, "accounts file %s", path)
		}
		return nil, fmt.Errorf("opening accounts file: %w", err)
	}
	defer f.Close()

	var rows []models.AccountConfig
	if err := gocsv.UnmarshalFile(f, &rows); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrConfigInvalid, "parsing %s: %v", path, err)
	}

	accounts := make([]models.AccountConfig, 0, len(rows))
	for i, row := range rows {
		row.ID = strings.TrimSpace(row.ID)
		if row.ID == "" {
			// Blank trailing lines from spreadsheets.
			if row.Secret == "" && row.TOTPSecret == "" {
				continue
			}
			return nil, apperrors.NewValidationError(apperrors.ErrConfigInvalid, "Code", "", fmt.Sprintf("row %d has no account code", i+2))
		}

		if row.Secret, err = security.ResolveSecret(vault, strings.TrimSpace(row.Secret)); err != nil {
			return nil, apperrors.Wrapf(err, "account %s password", row.ID)
		}
		if row.TOTPSecret, err = security.ResolveSecret(vault, strings.TrimSpace(row.TOTPSecret)); err != nil {
			return nil, apperrors.Wrapf(err, "account %s totp secret", row.ID)
		}

		if row.Capital < 0 {
			return nil, apperrors.NewValidationError(apperrors.ErrConfigInvalid, "Capital", row.Capital, "account "+row.ID+" has negative capital")
		}
		if row.Capital == 0 {
			row.Capital = defaultCapital
		}
		accounts = append(accounts, row)
	}
	return accounts, nil
}

// Vault returns the credential vault for this configuration, or nil when no
// master password is set.
func (c *Config) Vault() (*security.Vault, error) {
	if c.MasterPassword == "" {
		return nil, nil
	}
	return security.NewVault(c.MasterPassword)
}

package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Angel One fan-out configuration

[broker]
# SmartAPI private key; prefer credentials.toml or ANGEL_API_KEY
api_key = ""
root_url = "https://apiconnect.angelbroking.com"
scrip_master_url = "https://margincalculator.angelbroking.com/OpenAPI_File/files/OpenAPIScripMaster.json"
http_timeout = "10s"
# Send orders to the in-memory paper broker instead of SmartAPI
paper = true

[accounts]
# CSV with header Code,Pass,Capital,TOTP (relative to this directory)
file = "accounts.csv"
# Capital used for rows with an empty Capital column
default_capital = 0.0
# Concurrent logins at startup
concurrency = 8

[dispatch]
# Attempts per account, including the first
max_attempts = 3
# Fixed pause between attempts
retry_delay = "1s"
# Bound on each remote call
call_timeout = "10s"
# Bound on a whole fan-out
dispatch_timeout = "30s"
# Simultaneous accounts, 0 for all
concurrency = 0

[catalog]
ttl = "24h"
cache_size = 100
# Keep the last instrument master in the local database
persist = true

[storage]
path = "fanout.db"

[metrics]
addr = ":9108"

[logging]
# debug, info, warn, error
level = "info"
console = true
file = true
# file_path defaults to logs/fanout.log in this directory
max_size = 50
max_backups = 7
max_age = 30

[security]
audit_enabled = true
audit_dir = "audit"
`

const credentialsTemplate = `# Angel One fan-out credentials
# WARNING: Keep this file secure! Do not commit to version control.

[smartapi]
api_key = ""
`

const accountsTemplate = `Code,Pass,Capital,TOTP
`

// Template is one file written by WriteTemplates.
type Template struct {
	Name    string
	Content string
	Mode    os.FileMode
}

// Templates returns the files created by "fanout config init".
func Templates() []Template {
	return []Template{
		{Name: "config.toml", Content: configTemplate, Mode: 0644},
		// Use restricted permissions for credential files
		{Name: "credentials.toml", Content: credentialsTemplate, Mode: 0600},
		{Name: "accounts.csv", Content: accountsTemplate, Mode: 0600},
	}
}

// WriteTemplates writes the template files into configDir and returns the
// paths it created. Existing files are left alone unless force is set.
func WriteTemplates(configDir string, force bool) ([]string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	var written []string
	for _, t := range Templates() {
		path := filepath.Join(configDir, t.Name)
		if !force {
			if _, err := os.Stat(path); err == nil {
				continue
			}
		}
		if err := os.WriteFile(path, []byte(t.Content), t.Mode); err != nil {
			return written, fmt.Errorf("writing %s template: %w", t.Name, err)
		}
		written = append(written, path)
	}
	return written, nil
}

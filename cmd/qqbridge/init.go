package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// defaultConfigYAML is the starter configuration written by
// `qqbridge init`. Every field carries its default so a new install
// only has to fill in the account number.
const defaultConfigYAML = `# qqbridge configuration
#
# Environment variables are expanded: token: ${NAPCAT_TOKEN}

# The bot's own QQ account number (required).
qq: "10001"

# NapCat (OneBot v11) gateway endpoints.
gateway:
  host: 127.0.0.1
  api_port: 3000    # HTTP API
  event_port: 3001  # WebSocket event stream
  token: ""         # optional access token

# Groups to observe. Omit this key entirely to observe ALL joined
# groups; an explicit empty list observes none.
#groups:
#  - "123456789"

# Friends allowed for direct chat. Direct messages always require an
# explicit entry here.
friends: []

# Per-conversation sliding window capacity.
buffer_size: 100

# Minimum seconds between outbound sends to one conversation.
rate_limit_sec: 3

# Longest auto-split chunk, in characters.
chunk_max_chars: 30

# trace, debug, info, warn, or error.
log_level: info
`

// runInit initializes a qqbridge working directory. It writes a starter
// config.yaml; existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing qqbridge workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	// 0600: the config may carry a gateway access token.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, []byte(defaultConfigYAML), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", configPath, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml, set your QQ account number, then run: qqbridge serve")
	return nil
}

// writeIfMissing writes content to path only if the file does not already
// exist. This ensures init never overwrites user customizations.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil // already exists, skip
	}
	return os.WriteFile(path, content, perm)
}

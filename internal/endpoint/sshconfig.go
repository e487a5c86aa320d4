package endpoint

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// applySSHConfig fills in user, port, hostname, and key file for ep from
// ~/.ssh/config when the CLI did not provide them. Only exact Host
// matches are honored; pattern hosts are skipped.
func applySSHConfig(ep *Endpoint) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	entry, ok := lookupSSHConfig(filepath.Join(home, ".ssh", "config"), ep.Host)
	if !ok {
		return
	}

	if entry.hostName != "" {
		ep.Host = entry.hostName
	}
	if ep.User == "" && entry.user != "" {
		ep.User = entry.user
	}
	if ep.Port == DefaultSSHPort && entry.port != 0 {
		ep.Port = entry.port
	}
	if entry.identityFile != "" {
		ep.KeyFile = entry.identityFile
	}
}

type sshConfigEntry struct {
	hostName     string
	user         string
	port         int
	identityFile string
}

func lookupSSHConfig(path, host string) (sshConfigEntry, bool) {
	f, err := os.Open(path)
	if err != nil {
		return sshConfigEntry{}, false
	}
	defer f.Close()

	var entry sshConfigEntry
	var inBlock, found bool

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := splitConfigLine(line)
		if !ok {
			continue
		}

		if strings.EqualFold(key, "Host") {
			inBlock = false
			for _, pattern := range strings.Fields(value) {
				if pattern == host {
					inBlock = true
					found = true
					break
				}
			}
			continue
		}
		if !inBlock {
			continue
		}

		switch strings.ToLower(key) {
		case "hostname":
			entry.hostName = value
		case "user":
			entry.user = value
		case "port":
			if p, err := strconv.Atoi(value); err == nil {
				entry.port = p
			}
		case "identityfile":
			entry.identityFile = expandConfigPath(value)
		}
	}

	return entry, found
}

func splitConfigLine(line string) (key, value string, ok bool) {
	// ssh_config accepts both "Key value" and "Key=value".
	if idx := strings.IndexByte(line, '='); idx >= 0 && !strings.ContainsAny(line[:idx], " \t") {
		return strings.TrimSpace(line[:idx]), strings.TrimSpace(line[idx+1:]), true
	}
	fields := strings.SplitN(line, " ", 2)
	if len(fields) != 2 {
		return "", "", false
	}
	return strings.TrimSpace(fields[0]), strings.TrimSpace(fields[1]), true
}

func expandConfigPath(p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

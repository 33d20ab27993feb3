package system

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"time"
)

// SystemUserInfo holds essential information about a system user.
type SystemUserInfo struct {
	Username string
	UID      string
	GID      string
	HomeDir  string
}

// ShadowEntry holds parsed fields from a /etc/shadow line.
// Field names correspond to standard shadow file fields.
type ShadowEntry struct {
	Username       string
	PasswordHash   string
	LastChange     int64 // Days since Jan 1, 1970
	MinAge         int64 // Min days between password changes
	MaxAge         int64 // Max days before password change required
	WarnPeriod     int64 // Days before password expiry to warn user
	InactivePeriod int64 // Days after password expiry that account is disabled
	ExpiryDate     int64 // Days since Jan 1, 1970 that account is disabled
	Reserved       string
}

// LookupUser queries the operating system for details about the given username.
func LookupUser(username string) (*SystemUserInfo, error) {
	sysUser, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("system user '%s' not found: %w", username, err)
	}
	return &SystemUserInfo{
		Username: sysUser.Username,
		UID:      sysUser.Uid,
		GID:      sysUser.Gid,
		HomeDir:  sysUser.HomeDir,
	}, nil
}

// ShadowFile is the shadow database consulted for system users.
var ShadowFile = "/etc/shadow"

// GetShadowEntryForUser reads ShadowFile and returns the entry for username.
// Reading the real /etc/shadow requires root privileges.
func GetShadowEntryForUser(username string) (*ShadowEntry, error) {
	file, err := os.Open(ShadowFile)
	if err != nil {
		return nil, fmt.Errorf("could not open %s: %w", ShadowFile, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		entry, err := parseShadowLine(scanner.Text())
		if err != nil {
			continue
		}
		if entry.Username == username {
			return entry, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading %s: %w", ShadowFile, err)
	}
	return nil, fmt.Errorf("user '%s' not found in %s: %w", username, ShadowFile, ErrUserNotFound)
}

// parseShadowLine parses a single line from the shadow file.
func parseShadowLine(line string) (*ShadowEntry, error) {
	fields := strings.Split(line, ":")
	if len(fields) < 8 {
		return nil, fmt.Errorf("invalid shadow line: expected at least 8 fields, got %d", len(fields))
	}

	entry := &ShadowEntry{
		Username:     fields[0],
		PasswordHash: fields[1],
	}
	numeric := []struct {
		name string
		dst  *int64
	}{
		{"LastChange", &entry.LastChange},
		{"MinAge", &entry.MinAge},
		{"MaxAge", &entry.MaxAge},
		{"WarnPeriod", &entry.WarnPeriod},
		{"InactivePeriod", &entry.InactivePeriod},
		{"ExpiryDate", &entry.ExpiryDate},
	}
	for i, f := range numeric {
		raw := fields[2+i]
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid %s field '%s': %w", f.name, raw, err)
		}
		*f.dst = v
	}
	if len(fields) > 8 {
		entry.Reserved = fields[8]
	}
	return entry, nil
}

// Usable reports why the account cannot log in with a password at the
// given time, or nil if it can.
func (e *ShadowEntry) Usable(now time.Time) error {
	if e.PasswordHash == "" || strings.HasPrefix(e.PasswordHash, "!") || strings.HasPrefix(e.PasswordHash, "*") {
		return fmt.Errorf("account %s is locked or has no password", e.Username)
	}
	today := now.Unix() / (60 * 60 * 24)
	if e.ExpiryDate > 0 && today > e.ExpiryDate {
		return fmt.Errorf("account %s expired", e.Username)
	}
	if e.MaxAge > 0 && e.MaxAge < 99999 && today > e.LastChange+e.MaxAge {
		return fmt.Errorf("password of %s expired", e.Username)
	}
	return nil
}

// CheckSystemUser authenticates username against the shadow database
// and returns the account's home directory as its root.
func CheckSystemUser(username, password string) (*User, error) {
	sysUser, err := LookupUser(username)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUserNotFound, err)
	}
	entry, err := GetShadowEntryForUser(sysUser.Username)
	if err != nil {
		return nil, err
	}
	if err := entry.Usable(time.Now()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	ok, err := VerifyPassword(password, entry.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAuthFailed
	}
	root := sysUser.HomeDir
	if root == "" {
		root = "/"
	}
	return &User{Name: sysUser.Username, PasswordHash: entry.PasswordHash, Root: root}, nil
}

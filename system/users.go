package system

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
)

var (
	// ErrUserNotFound is returned when no user with the given name exists.
	ErrUserNotFound = errors.New("user not found")
	// ErrUserExists is returned when adding a name that is taken.
	ErrUserExists = errors.New("user already exists")
	// ErrAuthFailed is returned when the password does not match.
	ErrAuthFailed = errors.New("authentication failed")
)

// AnonymousUser is the account created for anonymous logins.
const AnonymousUser = "anonymous"

// User is one entry of the credential table.
type User struct {
	Name string
	// PasswordHash is an encoded crypt digest. Empty means any password
	// is accepted.
	PasswordHash string
	// Root is the absolute jail root of the user.
	Root string
}

// Users is the credential table, keyed by user name. It is not safe for
// concurrent use; the server only touches it from the event loop.
type Users struct {
	byName map[string]*User
}

// NewUsers returns an empty table.
func NewUsers() *Users {
	return &Users{byName: make(map[string]*User)}
}

// Add inserts a user. An empty root means "/"; a relative root is made
// absolute against the process working directory.
func (u *Users) Add(name, passwordHash, root string) error {
	if name == "" {
		return errors.New("empty user name")
	}
	if _, ok := u.byName[name]; ok {
		return fmt.Errorf("%w: %s", ErrUserExists, name)
	}
	if root == "" {
		root = "/"
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve root of %s: %w", name, err)
	}
	u.byName[name] = &User{Name: name, PasswordHash: passwordHash, Root: abs}
	return nil
}

// Remove deletes a user.
func (u *Users) Remove(name string) error {
	if _, ok := u.byName[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUserNotFound, name)
	}
	delete(u.byName, name)
	return nil
}

// Check verifies password for name. It returns ErrUserNotFound,
// ErrAuthFailed, or another error if the stored digest is unusable.
func (u *Users) Check(name, password string) (*User, error) {
	rec, ok := u.byName[name]
	if !ok {
		return nil, ErrUserNotFound
	}
	if rec.PasswordHash == "" {
		return rec, nil
	}
	match, err := VerifyPassword(password, rec.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("check %s: %w", name, err)
	}
	if !match {
		return nil, ErrAuthFailed
	}
	return rec, nil
}

// Lookup returns the record of name.
func (u *Users) Lookup(name string) (User, bool) {
	rec, ok := u.byName[name]
	if !ok {
		return User{}, false
	}
	return *rec, true
}

// List returns every user sorted by name.
func (u *Users) List() []User {
	out := make([]User, 0, len(u.byName))
	for _, rec := range u.byName {
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len is the number of users.
func (u *Users) Len() int { return len(u.byName) }

package users

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const RoleAdmin = "admin"

// Admin is one configured operator account.
type Admin struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"`
}

type UserInfo struct {
	ID       string
	Username string
	Role     string
}

// Directory is the read-only set of admin accounts loaded from config.
type Directory struct {
	admins map[string]Admin
}

func NewDirectory(admins []Admin) (*Directory, error) {
	d := &Directory{admins: make(map[string]Admin, len(admins))}
	for _, a := range admins {
		username := strings.TrimSpace(a.Username)
		if username == "" {
			return nil, errors.New("admin username is required")
		}
		if _, dup := d.admins[username]; dup {
			return nil, fmt.Errorf("duplicate admin %q", username)
		}
		if err := validateHash(a.PasswordHash); err != nil {
			return nil, fmt.Errorf("admin %q: %w", username, err)
		}
		d.admins[username] = Admin{Username: username, PasswordHash: a.PasswordHash}
	}
	return d, nil
}

// Authenticate checks the password of a configured admin.
func (d *Directory) Authenticate(username, password string) (UserInfo, error) {
	admin, ok := d.admins[username]
	if !ok || !CheckPassword(password, admin.PasswordHash) {
		return UserInfo{}, ErrInvalidCredentials
	}
	return info(admin), nil
}

func (d *Directory) Get(username string) (UserInfo, error) {
	admin, ok := d.admins[username]
	if !ok {
		return UserInfo{}, ErrUserNotFound
	}
	return info(admin), nil
}

func (d *Directory) List() []UserInfo {
	result := make([]UserInfo, 0, len(d.admins))
	for _, a := range d.admins {
		result = append(result, info(a))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Username < result[j].Username })
	return result
}

// info derives a stable user id from the username.
func info(a Admin) UserInfo {
	return UserInfo{
		ID:       uuid.NewSHA1(uuid.NameSpaceOID, []byte("silo-dispatch/admin/"+a.Username)).String(),
		Username: a.Username,
		Role:     RoleAdmin,
	}
}

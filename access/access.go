package access

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/goccy/go-json"
	"github.com/samber/lo"
	"github.com/xeptore/flaw/v8"

	"github.com/pouyad/tgdup/errutil"
)

// Role orders user privileges. Comparisons go through rank so the JSON
// representation stays human-readable.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

func (r Role) rank() int {
	switch r {
	case RoleUser:
		return 0
	case RoleAdmin:
		return 1
	case RoleSuperAdmin:
		return 2
	default:
		return 0
	}
}

// AtLeast reports whether r grants everything required does.
func (r Role) AtLeast(required Role) bool {
	return r.rank() >= required.rank()
}

type InvalidRoleError struct {
	Value string
}

func (e *InvalidRoleError) Error() string {
	return fmt.Sprintf("invalid role %q", e.Value)
}

func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return Role(s), nil
	default:
		return "", &InvalidRoleError{Value: s}
	}
}

// ErrImmutableSuperAdmin rejects demotion or removal of a seed super-admin.
var ErrImmutableSuperAdmin = errors.New("seed super admins cannot be modified")

// User is one role assignment.
type User struct {
	ID   int64
	Role Role
}

// Store is the durable role-assignment mapping. Seed super-admins come from
// configuration and shadow whatever the file says about them. Every mutation
// is written through to disk before it returns.
type Store struct {
	mux         sync.Mutex
	filePath    string
	superAdmins map[int64]struct{}
	users       map[int64]Role
}

func Open(filePath string, superAdminIDs []int64) (*Store, error) {
	s := &Store{
		mux:         sync.Mutex{},
		filePath:    filePath,
		superAdmins: lo.SliceToMap(superAdminIDs, func(id int64) (int64, struct{}) { return id, struct{}{} }),
		users:       make(map[int64]Role),
	}
	if err := s.load(); nil != err {
		return nil, err
	}
	return s, nil
}

type storeFileContent struct {
	Users map[string]struct {
		Role Role `json:"role"`
	} `json:"users"`
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.filePath)
	if nil != err {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		flawP := flaw.P{"file_path": s.filePath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to read users file: %v", err)).Append(flawP)
	}

	var content storeFileContent
	if err := json.Unmarshal(data, &content); nil != err {
		flawP := flaw.P{"file_path": s.filePath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to decode users file: %v", err)).Append(flawP)
	}

	for k, v := range content.Users {
		id, err := strconv.ParseInt(k, 10, 64)
		if nil != err {
			flawP := flaw.P{"file_path": s.filePath, "key": k}
			return flaw.From(fmt.Errorf("users file carries a non-numeric user ID: %v", err)).Append(flawP)
		}
		role, err := ParseRole(string(v.Role))
		if nil != err {
			role = RoleUser
		}
		s.users[id] = role
	}
	return nil
}

func (s *Store) persist() (err error) {
	content := storeFileContent{Users: make(map[string]struct {
		Role Role `json:"role"`
	}, len(s.users))}
	for id, role := range s.users {
		content.Users[strconv.FormatInt(id, 10)] = struct {
			Role Role `json:"role"`
		}{Role: role}
	}

	data, err := json.MarshalIndent(content, "", "  ")
	if nil != err {
		flawP := flaw.P{"file_path": s.filePath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to encode users file: %v", err)).Append(flawP)
	}

	file, err := os.OpenFile(s.filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_SYNC, 0o0600)
	if nil != err {
		flawP := flaw.P{"file_path": s.filePath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to open users file: %v", err)).Append(flawP)
	}
	defer func() {
		if closeErr := file.Close(); nil != closeErr && nil == err {
			flawP := flaw.P{"file_path": s.filePath, "err_debug_tree": errutil.Tree(closeErr).FlawP()}
			err = flaw.From(fmt.Errorf("failed to close users file: %v", closeErr)).Append(flawP)
		}
	}()

	if _, err := file.Write(data); nil != err {
		flawP := flaw.P{"file_path": s.filePath, "err_debug_tree": errutil.Tree(err).FlawP()}
		return flaw.From(fmt.Errorf("failed to write users file: %v", err)).Append(flawP)
	}
	return nil
}

// RoleOf returns the user's role, defaulting unknown IDs to RoleUser.
func (s *Store) RoleOf(userID int64) Role {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.superAdmins[userID]; ok {
		return RoleSuperAdmin
	}
	if role, ok := s.users[userID]; ok {
		return role
	}
	return RoleUser
}

func (s *Store) Allowed(userID int64, required Role) bool {
	return s.RoleOf(userID).AtLeast(required)
}

func (s *Store) SetRole(userID int64, role Role) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.superAdmins[userID]; ok {
		return ErrImmutableSuperAdmin
	}
	previous, existed := s.users[userID]
	s.users[userID] = role
	if err := s.persist(); nil != err {
		if existed {
			s.users[userID] = previous
		} else {
			delete(s.users, userID)
		}
		return err
	}
	return nil
}

// Remove deletes the user's assignment, reporting whether one existed.
func (s *Store) Remove(userID int64) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, ok := s.superAdmins[userID]; ok {
		return false, ErrImmutableSuperAdmin
	}
	previous, existed := s.users[userID]
	if !existed {
		return false, nil
	}
	delete(s.users, userID)
	if err := s.persist(); nil != err {
		s.users[userID] = previous
		return false, err
	}
	return true, nil
}

// List returns every assignment, seed super-admins included, sorted by ID.
func (s *Store) List() []User {
	s.mux.Lock()
	defer s.mux.Unlock()

	out := make([]User, 0, len(s.users)+len(s.superAdmins))
	for id := range s.superAdmins {
		out = append(out, User{ID: id, Role: RoleSuperAdmin})
	}
	for id, role := range s.users {
		if _, ok := s.superAdmins[id]; ok {
			continue
		}
		out = append(out, User{ID: id, Role: role})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/Torutesu/tenantauth"
)

// identityFile is the TOML directory the daemon serves from:
//
//	[roles]
//	admin = ["*"]
//	member = ["docs.read"]
//
//	[[identity]]
//	user_id = "u-1"
//	tenant_id = "acme"
//	email = "ann@example.com"
//	roles = ["admin"]
type identityFile struct {
	Roles      map[string][]string `toml:"roles"`
	Identities []struct {
		UserID      string   `toml:"user_id"`
		TenantID    string   `toml:"tenant_id"`
		Email       string   `toml:"email"`
		Roles       []string `toml:"roles"`
		Permissions []string `toml:"permissions"`
	} `toml:"identity"`
}

type directory struct {
	*tenantauth.MemoryIdentities
	roles map[string][]string
}

func (d *directory) Roles() map[string][]string { return d.roles }

func loadIdentities(path string) (*directory, error) {
	var f identityFile
	md, err := toml.DecodeFile(path, &f)
	if errors.Is(err, os.ErrNotExist) {
		return &directory{MemoryIdentities: tenantauth.NewMemoryIdentities()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("decode %s: unknown keys %v", path, undecoded)
	}

	ids := tenantauth.NewMemoryIdentities()
	for i, id := range f.Identities {
		if id.UserID == "" || id.TenantID == "" || id.Email == "" {
			return nil, fmt.Errorf("%s: identity %d needs user_id, tenant_id and email", path, i)
		}
		ids.Put(tenantauth.Identity{
			UserID:      id.UserID,
			TenantID:    id.TenantID,
			Email:       id.Email,
			Roles:       id.Roles,
			Permissions: id.Permissions,
		})
	}
	return &directory{MemoryIdentities: ids, roles: f.Roles}, nil
}

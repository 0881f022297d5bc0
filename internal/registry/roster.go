package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rosterFile is the on-disk YAML shape of the host roster.
//
//	hosts:
//	  - alias: mdwap1p
//	    host: 10.0.1.10
//	    port: 22
//	    username: hiware        # optional, falls back to defaults
//	    password_env: MDWAP1P_PW # optional, overrides defaults
//	transfers:
//	  - name: stub_data_transfer
//	    src: mdwap1p
//	    src_path: /nbsftp/myd/myp/snd/postgresql_unload/*.dat
//	    dst: mypap1d
//	    dst_path: /shbftp/myd/myp/rcv/mock/
type rosterFile struct {
	Hosts []struct {
		Alias       string `yaml:"alias"`
		Host        string `yaml:"host"`
		Port        int    `yaml:"port"`
		Username    string `yaml:"username"`
		PasswordEnv string `yaml:"password_env"`
	} `yaml:"hosts"`
	Transfers []struct {
		Name    string `yaml:"name"`
		Src     string `yaml:"src"`
		SrcPath string `yaml:"src_path"`
		Dst     string `yaml:"dst"`
		DstPath string `yaml:"dst_path"`
	} `yaml:"transfers"`
}

// LoadFile reads the roster YAML at path and builds a validated Registry.
// Entries without their own username or password env fall back to the shared
// credentials (defaultUser, defaultPass). Passwords are never stored in the
// roster file itself, only env var names.
func LoadFile(path, defaultUser, defaultPass string) (*Registry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}

	var rf rosterFile
	if err := yaml.Unmarshal(raw, &rf); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}
	if len(rf.Hosts) == 0 {
		return nil, fmt.Errorf("roster %s: no hosts defined", path)
	}

	hosts := make([]HostConfig, 0, len(rf.Hosts))
	for _, h := range rf.Hosts {
		port := h.Port
		if port == 0 {
			port = 22
		}
		user := h.Username
		if user == "" {
			user = defaultUser
		}
		pass := defaultPass
		if h.PasswordEnv != "" {
			v, ok := os.LookupEnv(h.PasswordEnv)
			if !ok {
				return nil, fmt.Errorf("roster %s: host %q references unset env %s", path, h.Alias, h.PasswordEnv)
			}
			pass = v
		}
		if pass == "" {
			return nil, fmt.Errorf("roster %s: host %q has no password configured", path, h.Alias)
		}
		hosts = append(hosts, HostConfig{
			Alias:    h.Alias,
			Host:     h.Host,
			Port:     port,
			Username: user,
			Password: pass,
		})
	}

	transfers := make([]TransferRecipe, 0, len(rf.Transfers))
	for _, t := range rf.Transfers {
		transfers = append(transfers, TransferRecipe{
			Name:     t.Name,
			SrcAlias: t.Src,
			SrcPath:  t.SrcPath,
			DstAlias: t.Dst,
			DstPath:  t.DstPath,
		})
	}

	return New(hosts, transfers)
}

// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cloudinit renders the NoCloud seed of disposable guests.
package cloudinit

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alexandremahdhaoui/virtcase/pkg/process"
	"sigs.k8s.io/yaml"
)

var (
	errReadPublicKey  = errors.New("failed to read SSH public key")
	errRenderUserData = errors.New("cannot render cloud-config from UserData")
	errCreateSeedDir  = errors.New("failed to create cloud-init config directory")
	errWriteSeedFile  = errors.New("failed to write cloud-init seed file")
	errCreateSeedISO  = errors.New("failed to create cloud-init ISO with xorriso")
)

type User struct {
	Name              string   `json:"name"`
	Sudo              string   `json:"sudo,omitempty"`
	Shell             string   `json:"shell,omitempty"`
	LockPasswd        *bool    `json:"lock_passwd,omitempty"`
	SSHAuthorizedKeys []string `json:"ssh_authorized_keys,omitempty"`
}

// NewUser returns a passwordless sudoer authorized with the given public key files.
func NewUser(name string, publicKeyPaths ...string) (User, error) {
	keys := make([]string, 0, len(publicKeyPaths))
	for _, path := range publicKeyPaths {
		b, err := os.ReadFile(path)
		if err != nil {
			return User{}, errors.Join(err, fmt.Errorf("path=%s", path), errReadPublicKey)
		}
		keys = append(keys, strings.TrimSpace(string(b)))
	}
	return User{
		Name:              name,
		Sudo:              "ALL=(ALL) NOPASSWD:ALL",
		Shell:             "/bin/bash",
		SSHAuthorizedKeys: keys,
	}, nil
}

type WriteFile struct {
	Path        string `json:"path"`
	Permissions string `json:"permissions,omitempty"`
	Content     string `json:"content"`
}

// ChPasswd sets passwords, e.g. for guests logged into with a password.
type ChPasswd struct {
	Expire bool   `json:"expire"`
	List   string `json:"list,omitempty"`
}

type UserData struct {
	Hostname      string      `json:"hostname"`
	PackageUpdate bool        `json:"package_update,omitempty"`
	Packages      []string    `json:"packages,omitempty"`
	Users         []User      `json:"users,omitempty"`
	ChPasswd      *ChPasswd   `json:"chpasswd,omitempty"`
	SSHPwauth     *bool       `json:"ssh_pwauth,omitempty"`
	WriteFiles    []WriteFile `json:"write_files,omitempty"`
	RunCommands   []string    `json:"runcmd,omitempty"`
}

// SetPassword enables password login for user.
func (ud *UserData) SetPassword(user, password string) {
	pwauth := true
	ud.SSHPwauth = &pwauth
	if ud.ChPasswd == nil {
		ud.ChPasswd = &ChPasswd{}
	}
	ud.ChPasswd.List += fmt.Sprintf("%s:%s\n", user, password)
}

func (ud UserData) Render() (string, error) {
	b, err := yaml.Marshal(ud)
	if err != nil {
		return "", errors.Join(err, errRenderUserData)
	}
	return fmt.Sprintf("#cloud-config\n%s", string(b)), nil
}

// MetaData renders the NoCloud meta-data of instance name.
func MetaData(name string) string {
	return fmt.Sprintf("instance-id: %s\nlocal-hostname: %s\n", name, name)
}

// BuildISO writes <dir>/<name>-cidata.iso, a NoCloud seed labelled "cidata".
func BuildISO(ctx context.Context, runner process.Runner, dir, name string, ud UserData) (string, error) {
	userData, err := ud.Render()
	if err != nil {
		return "", err
	}

	seedDir := filepath.Join(dir, name+"-cidata")
	if err := os.MkdirAll(seedDir, 0o755); err != nil {
		return "", errors.Join(err, errCreateSeedDir)
	}
	defer os.RemoveAll(seedDir)

	files := map[string]string{
		"user-data": userData,
		"meta-data": MetaData(name),
	}
	for file, content := range files {
		if err := os.WriteFile(filepath.Join(seedDir, file), []byte(content), 0o644); err != nil {
			return "", errors.Join(err, fmt.Errorf("file=%s", file), errWriteSeedFile)
		}
	}

	isoPath := filepath.Join(dir, name+"-cidata.iso")
	res, err := runner.Run(ctx, "xorriso",
		"-as", "mkisofs",
		"-o", isoPath,
		"-V", "cidata",
		"-J", "-R",
		seedDir,
	)
	if err != nil {
		return "", errors.Join(err, errCreateSeedISO)
	}
	if !res.Ok() {
		return "", errors.Join(fmt.Errorf("output: %s", res.Output()), errCreateSeedISO)
	}
	return isoPath, nil
}

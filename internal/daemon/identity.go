package daemon

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/xxmessenger/courier/internal/transport"
	"github.com/xxmessenger/courier/internal/transport/sim"
	"gitlab.com/xx_network/primitives/id"
)

type identityFile struct {
	ID        string `toml:"id"`
	Marshaled string `toml:"marshaled"`
	Username  string `toml:"username"`
}

// loadIdentity reads the profile identity from path, creating one for
// username on first start. A stored identity keeps its username.
func loadIdentity(path, username string) (transport.Identity, error) {
	var f identityFile
	_, err := toml.DecodeFile(path, &f)
	if errors.Is(err, fs.ErrNotExist) {
		return createIdentity(path, username)
	}
	if err != nil {
		return transport.Identity{}, fmt.Errorf("read identity: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(f.ID)
	if err != nil {
		return transport.Identity{}, fmt.Errorf("decode identity id: %w", err)
	}
	uid, err := id.Unmarshal(raw)
	if err != nil {
		return transport.Identity{}, fmt.Errorf("decode identity id: %w", err)
	}
	marshaled, err := base64.StdEncoding.DecodeString(f.Marshaled)
	if err != nil {
		return transport.Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return transport.Identity{ID: uid, Marshaled: marshaled, Username: f.Username}, nil
}

func createIdentity(path, username string) (transport.Identity, error) {
	ident, err := sim.NewIdentity(username)
	if err != nil {
		return transport.Identity{}, err
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return transport.Identity{}, fmt.Errorf("create identity: %w", err)
	}
	encErr := toml.NewEncoder(out).Encode(identityFile{
		ID:        base64.StdEncoding.EncodeToString(ident.ID.Marshal()),
		Marshaled: base64.StdEncoding.EncodeToString(ident.Marshaled),
		Username:  ident.Username,
	})
	if closeErr := out.Close(); closeErr != nil && encErr == nil {
		encErr = closeErr
	}
	if encErr != nil {
		return transport.Identity{}, fmt.Errorf("write identity: %w", encErr)
	}
	return ident, nil
}

package replay

import (
	"fmt"

	"github.com/hansy/drawspell-sub000/engine"
	"github.com/hansy/drawspell-sub000/service/internal/identity"
	"github.com/hansy/drawspell-sub000/service/internal/keys"
)

// ViewerContext is the key material of the participant a replay pass is
// computed for. Optional keys may be nil.
type ViewerContext struct {
	SessionID           string
	ViewerID            string
	Role                engine.Role
	PlayerKey           []byte
	OwnerAESKey         []byte
	SpectatorAESKey     []byte
	RecipientPrivateKey []byte
}

// Viewer opens the slices a ViewerContext is entitled to. It implements
// engine.Viewer.
type Viewer struct {
	sessionID string
	id        string
	role      engine.Role
	owner     *keys.Sealer
	spectator *keys.Sealer
	recipient []byte
}

// NewViewer builds a viewer from vc.
func NewViewer(vc ViewerContext) (*Viewer, error) {
	v := &Viewer{
		sessionID: vc.SessionID,
		id:        vc.ViewerID,
		role:      vc.Role,
		recipient: vc.RecipientPrivateKey,
	}
	if v.role == "" {
		v.role = engine.RolePlayer
	}
	var err error
	if len(vc.OwnerAESKey) > 0 {
		if v.owner, err = keys.NewSealer(vc.OwnerAESKey, vc.SessionID); err != nil {
			return nil, fmt.Errorf("owner key: %w", err)
		}
	}
	if len(vc.SpectatorAESKey) > 0 {
		if v.spectator, err = keys.NewSealer(vc.SpectatorAESKey, vc.SessionID); err != nil {
			return nil, fmt.Errorf("spectator key: %w", err)
		}
	}
	return v, nil
}

func (v *Viewer) ID() string        { return v.id }
func (v *Viewer) Role() engine.Role { return v.role }

func (v *Viewer) OpenOwner(blob string) ([]byte, bool) {
	if v.owner == nil {
		return nil, false
	}
	plain, err := v.owner.Open(blob)
	return plain, err == nil
}

func (v *Viewer) OpenSpectator(blob string) ([]byte, bool) {
	if v.spectator == nil {
		return nil, false
	}
	plain, err := v.spectator.Open(blob)
	return plain, err == nil
}

func (v *Viewer) OpenRecipient(blob string) ([]byte, bool) {
	if len(v.recipient) == 0 {
		return nil, false
	}
	plain, err := keys.OpenFrom(v.recipient, v.sessionID, blob)
	return plain, err == nil
}

// ContextFor returns the viewer context of the local participant id. A
// spectator key, when held, is passed raw and derived here.
func ContextFor(id *identity.Identity, role engine.Role, playerKey, spectatorKey []byte) (ViewerContext, error) {
	vc := ViewerContext{
		SessionID:           id.SessionID,
		ViewerID:            id.ActorID,
		Role:                role,
		PlayerKey:           playerKey,
		RecipientPrivateKey: id.EncPrivate,
	}
	var err error
	if vc.OwnerAESKey, err = keys.DeriveOwnerKey(id.OwnerKey, id.SessionID); err != nil {
		return ViewerContext{}, err
	}
	if len(spectatorKey) > 0 {
		if vc.SpectatorAESKey, err = keys.DeriveSpectatorKey(spectatorKey, id.SessionID); err != nil {
			return ViewerContext{}, err
		}
	}
	return vc, nil
}

// Glasswing demo - exercises the E2EE core end to end.
//
// Two in-process sessions share a room: the sender encrypts a message,
// the recipient first fails to decrypt it, receives the room key in a
// to-device event and decrypts the tracked event. A key backup restore
// is demonstrated the same way.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/glasswing-im/sdk-go/pkg/backup"
	"github.com/glasswing-im/sdk-go/pkg/config"
	"github.com/glasswing-im/sdk-go/pkg/crypto"
	"github.com/glasswing-im/sdk-go/pkg/emitter"
	"github.com/glasswing-im/sdk-go/pkg/event"
	"github.com/glasswing-im/sdk-go/pkg/room"
	"github.com/glasswing-im/sdk-go/pkg/securerandom"
	"github.com/glasswing-im/sdk-go/pkg/session"
)

var version = "0.1.0"

// staticRoom is a fixed room for the demo; real clients back this with
// their sync state.
type staticRoom struct {
	id      string
	state   room.State
	members []room.Member
}

func (r *staticRoom) ID() string { return r.id }

func (r *staticRoom) State(ctx context.Context) (room.State, error) { return r.state, nil }

func (r *staticRoom) Members(ctx context.Context) ([]room.Member, error) {
	return r.members, nil
}

type staticProvider struct {
	room *staticRoom
}

func (p *staticProvider) Room(roomID string) room.Room {
	if roomID == p.room.id {
		return p.room
	}
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to TOML configuration file")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("glasswing-demo %s\n", version)
		return
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx := context.Background()
	roomID := "!demo:glasswing.example"

	provider := &staticProvider{room: &staticRoom{
		id:    roomID,
		state: room.State{EncryptionAlgorithm: event.AlgorithmMegolmV1},
		members: []room.Member{
			{UserID: "@alice:glasswing.example", Membership: room.MembershipJoin},
			{UserID: "@bob:glasswing.example", Membership: room.MembershipJoin},
		},
	}}

	senderEngine, err := crypto.NewMemoryEngine("ALICEDEVICE")
	if err != nil {
		return err
	}
	sender, err := session.New(cfg, senderEngine, provider)
	if err != nil {
		return err
	}
	defer sender.Close()

	recipientEngine, err := crypto.NewMemoryEngine("BOBDEVICE")
	if err != nil {
		return err
	}

	recipientCfg := cfg
	recipientCfg.Storage.Path = ""
	recipient, err := session.New(recipientCfg, recipientEngine, provider)
	if err != nil {
		return err
	}
	defer recipient.Close()

	// Alice encrypts; key sharing and rotation happen implicitly.
	encrypted, err := sender.EncryptRoomEvent(ctx, map[string]any{
		"msgtype": "m.text",
		"body":    "it works",
	}, "m.room.message", roomID)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}
	fmt.Printf("encrypted event: session %v\n", encrypted["session_id"])

	ev := &event.Event{
		ID:      "$demo1",
		RoomID:  roomID,
		Sender:  "@alice:glasswing.example",
		Type:    event.TypeEncrypted,
		Content: encrypted,
	}

	// Bob has no key yet; the event is tracked for retry.
	results := recipient.DecryptEvents(ctx, []*event.Event{ev})
	fmt.Printf("first decrypt attempt: err=%v\n", results[0].Err)

	sub, err := recipient.Updates().Subscribe(4)
	if err != nil {
		return err
	}

	// The room key arrives as a to-device event and the tracked event is
	// retried.
	sessionID := senderEngine.OutboundSessionID(roomID)
	export, _ := senderEngine.ExportInboundSession(sessionID)
	recipient.HandleToDeviceEvent(ctx, &event.Event{
		Type: event.TypeRoomKey,
		Content: map[string]any{
			"algorithm":   export.Algorithm,
			"room_id":     export.RoomID,
			"session_id":  export.SessionID,
			"session_key": export.SessionKey,
			"sender_key":  export.SenderKey,
		},
	})

	select {
	case u := <-sub.C:
		if decrypted, ok := u.(emitter.EventDecrypted); ok {
			fmt.Printf("decrypted after key arrival: %v\n", decrypted.Result.ClearContent["body"])
		}
	case <-time.After(5 * time.Second):
		return fmt.Errorf("tracked event was never decrypted")
	}

	return demoBackupRestore(ctx, cfg, provider, roomID, senderEngine, ev)
}

// demoBackupRestore backs up Alice's session and restores it into a third,
// fresh session.
func demoBackupRestore(ctx context.Context, cfg config.Config, provider room.Provider, roomID string, senderEngine *crypto.MemoryEngine, ev *event.Event) error {
	priv, err := securerandom.Key()
	if err != nil {
		return err
	}
	pubStr, err := crypto.BackupPublicKey(priv)
	if err != nil {
		return err
	}
	pub, err := base64.RawStdEncoding.DecodeString(pubStr)
	if err != nil {
		return err
	}

	sessionID := senderEngine.OutboundSessionID(roomID)
	export, ok := senderEngine.ExportInboundSession(sessionID)
	if !ok {
		return fmt.Errorf("no inbound session to back up")
	}
	plaintext, err := json.Marshal(export)
	if err != nil {
		return err
	}
	entry, err := crypto.EncryptBackupEntry(plaintext, pub)
	if err != nil {
		return err
	}

	payload := backup.Payload{Rooms: map[string]backup.RoomKeys{
		roomID: {Sessions: map[string]backup.KeyBackupData{
			sessionID: {SessionData: entry},
		}},
	}}
	ver := backup.Version{
		Version:   "1",
		Algorithm: "m.megolm_backup.v1.curve25519-aes-sha2",
		AuthData:  json.RawMessage(fmt.Sprintf(`{"public_key":%q}`, pubStr)),
	}

	restoreEngine, err := crypto.NewMemoryEngine("CAROLDEVICE")
	if err != nil {
		return err
	}
	restoreCfg := cfg
	restoreCfg.Storage.Path = ""
	restored, err := session.New(restoreCfg, restoreEngine, provider)
	if err != nil {
		return err
	}
	defer restored.Close()

	// The restored session is stuck on the same event until import.
	restored.DecryptEvents(ctx, []*event.Event{{
		ID: ev.ID, RoomID: ev.RoomID, Type: ev.Type, Content: ev.Content,
	}})

	total, imported, err := restored.ImportKeysFromBackup(ctx, payload, priv, ver)
	if err != nil {
		return fmt.Errorf("import backup: %w", err)
	}
	fmt.Printf("backup restore: imported %d of %d sessions\n", imported, total)
	return nil
}

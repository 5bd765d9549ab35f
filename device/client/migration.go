package client

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kabili207/wavephoenix-go/device/dfu"
	"github.com/kabili207/wavephoenix-go/transport"
)

// Migration service and characteristics.
var (
	MigrationService     = uuid.MustParse("4ac83b7e-bd70-4174-9744-4c28345fe336")
	MigrationCommandChar = uuid.MustParse("ce5e7d1d-1eab-471d-8c8a-b2ac5f1483ca")
	MigrationDataChar    = uuid.MustParse("6eb41c56-281b-487b-a993-b257922796de")
	MigrationDigestChar  = uuid.MustParse("9b3e5a7c-2d41-4f0a-8c6e-1f7d0b2a4e93")
)

// Migration opcodes.
const (
	MigrationReboot          byte = 0x00
	MigrationBeginApp        byte = 0x01
	MigrationApplyApp        byte = 0x02
	MigrationBeginBootloader byte = 0x03
	MigrationApplyBootloader byte = 0x04
)

var _ Client = (*Migration)(nil)

// Migration speaks the migration firmware's protocol, which stages a new
// application and then a new bootloader. It is not a Flasher: images are
// only written through the two-phase migration workflow.
type Migration struct {
	base
}

// NewMigration returns a migration client over t.
func NewMigration(t transport.Transport, cfg Config) *Migration {
	return &Migration{base: newBase(t, MigrationService, "migration", cfg)}
}

// Mode implements Client.
func (m *Migration) Mode() Mode { return ModeMigration }

// Connect connects and verifies the migration service.
func (m *Migration) Connect(ctx context.Context, timeout time.Duration) error {
	return m.connect(ctx, timeout)
}

// Reboot restarts the receiver.
func (m *Migration) Reboot(ctx context.Context) error {
	return expectDisconnect(m.command(ctx, MigrationCommandChar, MigrationReboot, "reboot"))
}

func (m *Migration) BeginApp(ctx context.Context) error {
	return m.command(ctx, MigrationCommandChar, MigrationBeginApp, "begin app")
}

func (m *Migration) ApplyApp(ctx context.Context) error {
	return m.command(ctx, MigrationCommandChar, MigrationApplyApp, "apply app")
}

func (m *Migration) BeginBootloader(ctx context.Context) error {
	return m.command(ctx, MigrationCommandChar, MigrationBeginBootloader, "begin bootloader")
}

func (m *Migration) ApplyBootloader(ctx context.Context) error {
	return m.command(ctx, MigrationCommandChar, MigrationApplyBootloader, "apply bootloader")
}

// FlashApp uploads the application image into the staging area.
func (m *Migration) FlashApp(ctx context.Context, data []byte, opts dfu.Options) error {
	return m.session(MigrationDataChar, m.BeginApp, m.ApplyApp).Write(ctx, data, opts)
}

// FlashBootloader uploads the bootloader image into the staging area.
func (m *Migration) FlashBootloader(ctx context.Context, data []byte, opts dfu.Options) error {
	return m.session(MigrationDataChar, m.BeginBootloader, m.ApplyBootloader).Write(ctx, data, opts)
}

// Digest reads the SHA-256 of the most recently staged image.
func (m *Migration) Digest(ctx context.Context) ([sha256.Size]byte, error) {
	var out [sha256.Size]byte
	raw, err := m.t.ReadValue(ctx, m.attr(MigrationDigestChar))
	if err != nil {
		return out, fmt.Errorf("reading digest: %w", err)
	}
	if len(raw) < sha256.Size {
		return out, fmt.Errorf("digest: %w: got %d bytes, want %d", ErrShortValue, len(raw), sha256.Size)
	}
	copy(out[:], raw)
	return out, nil
}

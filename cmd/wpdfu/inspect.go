package main

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"

	"github.com/kabili207/wavephoenix-go/core/image/gbl"
	"github.com/kabili207/wavephoenix-go/core/image/mcuboot"
	"github.com/kabili207/wavephoenix-go/device/client"
	"github.com/kabili207/wavephoenix-go/device/migration"
	"github.com/kabili207/wavephoenix-go/device/update"
	"github.com/spf13/cobra"
)

var errUnknownFormat = errors.New("unrecognised file format")

var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Describe a firmware or bootloader file without connecting",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	inspectCmd.Flags().StringSlice("key", nil, "trusted MCUboot signing public key (PEM or DER), repeatable")
	inspectCmd.Flags().String("enc-key", "", "X25519 private key (raw or hex) to unwrap an encrypted image key")
	rootCmd.AddCommand(inspectCmd)
}

type inspectOptions struct {
	keys   mcuboot.Keyring
	encKey []byte
}

func runInspect(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}

	var opts inspectOptions
	keyFiles, _ := cmd.Flags().GetStringSlice("key")
	for _, path := range keyFiles {
		key, err := mcuboot.LoadKeyFile(path)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		opts.keys = append(opts.keys, key)
	}
	if path, _ := cmd.Flags().GetString("enc-key"); path != "" {
		if opts.encKey, err = loadX25519Key(path); err != nil {
			return err
		}
	}

	return inspect(cmd.OutOrStdout(), data, opts)
}

func loadX25519Key(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) == 32 {
		return raw, nil
	}
	key, err := hex.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("%s: expected a 32-byte X25519 key", path)
	}
	return key, nil
}

func inspect(w io.Writer, data []byte, opts inspectOptions) error {
	if len(data) >= 4 {
		switch binary.LittleEndian.Uint32(data) {
		case mcuboot.ImageMagic:
			return inspectMCUboot(w, data, opts)
		case gbl.TagHeader:
			return inspectGBL(w, data)
		}
	}
	if btl, err := migration.ValidateBootloader(data); err == nil {
		fmt.Fprintf(w, "Format:     WavePhoenix bootloader\n")
		fmt.Fprintf(w, "Version:    %s\n", btl.Version)
		fmt.Fprintf(w, "Board:      %s\n", btl.Board)
		fmt.Fprintf(w, "SHA-256:    %x\n", btl.Digest)
		return nil
	}
	return fmt.Errorf("%w (sha256 %x)", errUnknownFormat, sha256.Sum256(data))
}

var flagNames = []struct {
	flag uint32
	name string
}{
	{mcuboot.FlagPIC, "PIC"},
	{mcuboot.FlagEncryptedAES128, "ENCRYPTED_AES128"},
	{mcuboot.FlagEncryptedAES256, "ENCRYPTED_AES256"},
	{mcuboot.FlagNonBootable, "NON_BOOTABLE"},
	{mcuboot.FlagRAMLoad, "RAM_LOAD"},
}

func inspectMCUboot(w io.Writer, data []byte, opts inspectOptions) error {
	img, err := mcuboot.Parse(data)
	if err != nil {
		return err
	}
	h := img.Header

	var flags []string
	for _, f := range flagNames {
		if h.HasFlag(f.flag) {
			flags = append(flags, f.name)
		}
	}
	var tlvs []string
	for _, t := range img.TLVTypes() {
		tlvs = append(tlvs, fmt.Sprintf("%s(%d)", mcuboot.TLVName(t), len(img.TLVs[t])))
	}

	fmt.Fprintf(w, "Format:     MCUboot\n")
	fmt.Fprintf(w, "Version:    %s\n", img.Version())
	fmt.Fprintf(w, "Load addr:  0x%08x\n", h.LoadAddr)
	fmt.Fprintf(w, "Header:     %d bytes\n", h.HdrSize)
	fmt.Fprintf(w, "Payload:    %d bytes\n", h.ImgSize)
	fmt.Fprintf(w, "Flags:      %s\n", orNone(flags))
	fmt.Fprintf(w, "TLVs:       %s\n", orNone(tlvs))
	if len(img.ProtectedTLVs) > 0 {
		var prot []string
		for _, t := range slices.Sorted(maps.Keys(img.ProtectedTLVs)) {
			prot = append(prot, fmt.Sprintf("%s(%d)", mcuboot.TLVName(t), len(img.ProtectedTLVs[t])))
		}
		fmt.Fprintf(w, "Protected:  %s\n", strings.Join(prot, ", "))
	}
	fmt.Fprintf(w, "App id:     %s\n", yesNo(img.IsWavePhoenixApp()))
	fmt.Fprintf(w, "Valid:      %s\n", validity(img.Validate()))

	switch err := img.VerifySignature(opts.keys); {
	case err == nil:
		fmt.Fprintf(w, "Signature:  verified\n")
	case errors.Is(err, mcuboot.ErrUnsigned):
		fmt.Fprintf(w, "Signature:  none\n")
	case len(opts.keys) == 0 && errors.Is(err, mcuboot.ErrUnknownKey):
		fmt.Fprintf(w, "Signature:  present (pass --key to verify)\n")
	default:
		fmt.Fprintf(w, "Signature:  %v\n", err)
	}

	if size := h.KeySize(); size > 0 {
		status := "pass --enc-key to unwrap"
		if opts.encKey != nil {
			if _, err := img.UnwrapKeyX25519(opts.encKey); err != nil {
				status = err.Error()
			} else {
				status = "key unwrapped"
			}
		}
		fmt.Fprintf(w, "Encryption: AES-%d, %s\n", size*8, status)
	}

	fmt.Fprintf(w, "Flash with: %s\n", acceptingModes(data))
	return nil
}

func inspectGBL(w io.Writer, data []byte) error {
	img, err := gbl.Parse(data)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Format:     GBL\n")
	if img.Header != nil {
		fmt.Fprintf(w, "GBL:        version 0x%08x, type 0x%08x\n", img.Header.Version, img.Header.TypeFlags)
	}
	if app := img.Application; app != nil {
		id, _ := img.ProductID()
		fmt.Fprintf(w, "Version:    %s\n", img.ApplicationVersionSemantic())
		fmt.Fprintf(w, "App type:   0x%08x\n", app.Type)
		fmt.Fprintf(w, "Product:    %s%s\n", id, productName(id.String()))
	}
	fmt.Fprintf(w, "Program:    %d bytes in %d tags\n", img.ProgramSize(), len(img.ProgramData))
	if len(img.Unknown) > 0 {
		var names []string
		for _, t := range img.Unknown {
			names = append(names, gbl.TagName(t.Type))
		}
		fmt.Fprintf(w, "Other tags: %s\n", strings.Join(names, ", "))
	}
	fmt.Fprintf(w, "Valid:      %s\n", validity(img.Validate()))
	fmt.Fprintf(w, "Flash with: %s\n", acceptingModes(data))
	return nil
}

func productName(id string) string {
	switch id {
	case update.ReceiverAppProductID.String():
		return " (receiver app)"
	case update.MigrationAppProductID.String():
		return " (migration app)"
	default:
		return ""
	}
}

// acceptingModes lists the receiver modes that accept data for flashing.
func acceptingModes(data []byte) string {
	var modes []string
	for _, m := range []client.Mode{client.ModeManagement, client.ModeLegacy} {
		if fw, err := update.Select(m, data); err == nil {
			modes = append(modes, fmt.Sprintf("%s (%s)", m, fw.Kind))
		}
	}
	if _, err := migration.ValidateApp(data); err == nil {
		modes = append(modes, "migrate")
	}
	return orNone(modes)
}

func validity(err error) string {
	if err != nil {
		return "no: " + err.Error()
	}
	return "yes"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

package vpk

import (
	"unicode/utf8"

	"github.com/sidkik/vitadeploy/pkg/sfo"
)

// Slot sizes and defaults match what the SDK's vita-mksfoex emits, which is
// what the device loader has been tested against.
const (
	attributeDefault  = 0x8000
	maxShortTitleLen  = 51
	systemVersionNone = 0
)

// ParamSFO renders the `param.sfo` metadata for desc.
func ParamSFO(desc Descriptor) ([]byte, error) {
	appVersion, err := desc.sfoAppVersion()
	if err != nil {
		return nil, err
	}

	shortTitle := truncateUTF8(desc.Title, maxShortTitleLen)

	f := sfo.New()
	f.SetString("APP_VER", appVersion, 8)
	f.SetInt("ATTRIBUTE", attributeDefault)
	f.SetString("BOOT_FILE", "", 32)
	f.SetString("CATEGORY", "gd", 4)
	f.SetString("CONTENT_ID", "", 48)
	f.SetString("PSP2_DISP_VER", "00.000", 8)
	f.SetInt("PSP2_SYSTEM_VER", systemVersionNone)
	f.SetString("STITLE", shortTitle, 52)
	f.SetString("TITLE", desc.Title, 128)
	f.SetString("TITLE_ID", string(desc.TitleID), 12)
	f.SetString("VERSION", "00.00", 8)
	return f.MarshalBinary()
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

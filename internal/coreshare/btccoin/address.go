package btccoin

import (
	"errors"
	"regexp"
	"strings"
)

// addressPattern matches the address formats this coin profile accepts:
// legacy base58 P2PKH/P2SH (1.../3...) and bech32 segwit (bc1.../bcrt1...).
// Grounded on chimera-pool's internal/validation/wallet.go address-format
// regexes, adapted from Litecoin's L/M/3/ltc1 prefixes to Bitcoin's 1/3/
// bc1/bcrt1 prefixes; this validates textual format only, matching the
// scope the stratum layer needs at mining.authorize time.
var addressPattern = regexp.MustCompile(`^([13][1-9A-HJ-NP-Za-km-z]{25,34}|(bc1|bcrt1)[02-9ac-hj-np-z]{20,70})$`)

// ErrInvalidAddress is returned when a username does not parse as a coin
// address under this network.
var ErrInvalidAddress = errors.New("invalid address")

// ParseAddress validates addr's textual format and returns it as a payout
// address. Full base58/bech32 decoding is the daemon's concern (submit_block
// is external); the share-chain only needs a stable, validated string key.
func ParseAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !addressPattern.MatchString(addr) {
		return "", ErrInvalidAddress
	}
	return addr, nil
}

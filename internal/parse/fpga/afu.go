package fpga

import "fmt"

// afuBaseGUID is the backend base identifier the device GUID is derived
// from when the caller doesn't supply one explicitly.
const afuBaseGUID = "9ca43fb0-c340-4908-b79b-5c89"

// DeriveAFUID appends a two-hex-digit suffix encoding n (the kernel
// count) to base, rejecting n > 255 since the suffix can't represent it.
func DeriveAFUID(base string, n int) (string, error) {
	if n < 0 || n > 255 {
		return "", fmt.Errorf("fpga: kernel count %d does not fit in a two-hex-digit AFU suffix", n)
	}
	if base == "" {
		base = afuBaseGUID
	}
	return fmt.Sprintf("%s%02x", base, n), nil
}

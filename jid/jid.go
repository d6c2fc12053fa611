// Package jid parses and formats WhatsApp identifiers of the form
// user[:device]@domain and classifies them across the PN/LID namespaces.
package jid

import (
	"fmt"
	"strconv"
	"strings"
)

// Domain is one of the four namespaces an identifier can live in.
type Domain string

const (
	DomainPN        Domain = "s.whatsapp.net"
	DomainHostedPN  Domain = "hosted"
	DomainLID       Domain = "lid"
	DomainHostedLID Domain = "hosted.lid"
)

// HostedDeviceID is the conventional device number used for hosted-domain
// companion addresses.
const HostedDeviceID = 99

// JID is a decoded WhatsApp identifier: user[:device]@domain.
type JID struct {
	User   string
	Device int
	Domain Domain
}

// String formats the JID, omitting the device segment when it is 0.
func (j JID) String() string {
	if j.Device == 0 {
		return fmt.Sprintf("%s@%s", j.User, j.Domain)
	}
	return fmt.Sprintf("%s:%d@%s", j.User, j.Device, j.Domain)
}

// IsEmpty reports whether j is the zero value.
func (j JID) IsEmpty() bool {
	return j.User == "" && j.Domain == ""
}

// Decode parses a raw identifier string. It fails on an empty user or a
// malformed device segment; an unrecognized domain decodes fine but then
// classifies as none of PN/hosted-PN/LID/hosted-LID.
func Decode(raw string) (JID, error) {
	atIdx := strings.LastIndexByte(raw, '@')
	if atIdx < 0 {
		return JID{}, fmt.Errorf("jid: missing '@' in %q", raw)
	}
	left, domain := raw[:atIdx], raw[atIdx+1:]
	if domain == "" {
		return JID{}, fmt.Errorf("jid: empty domain in %q", raw)
	}

	user := left
	device := 0
	if colonIdx := strings.IndexByte(left, ':'); colonIdx >= 0 {
		user = left[:colonIdx]
		devStr := left[colonIdx+1:]
		d, err := strconv.Atoi(devStr)
		if err != nil {
			return JID{}, fmt.Errorf("jid: invalid device segment %q in %q: %w", devStr, raw, err)
		}
		device = d
	}
	if user == "" {
		return JID{}, fmt.Errorf("jid: empty user in %q", raw)
	}

	return JID{User: user, Device: device, Domain: Domain(domain)}, nil
}

// MustDecode is Decode, panicking on error. Reserved for tests and literals
// known to be well-formed.
func MustDecode(raw string) JID {
	j, err := Decode(raw)
	if err != nil {
		panic(err)
	}
	return j
}

// IsPN reports whether j is an ordinary phone-number address.
func (j JID) IsPN() bool { return j.Domain == DomainPN }

// IsHostedPN reports whether j is a phone-number address in the hosted namespace.
func (j JID) IsHostedPN() bool { return j.Domain == DomainHostedPN }

// IsLID reports whether j is a linked-identity address.
func (j JID) IsLID() bool { return j.Domain == DomainLID }

// IsHostedLID reports whether j is a linked-identity address in the hosted namespace.
func (j JID) IsHostedLID() bool { return j.Domain == DomainHostedLID }

// IsAnyPN reports whether j is PN or hosted-PN.
func (j JID) IsAnyPN() bool { return j.IsPN() || j.IsHostedPN() }

// IsAnyLID reports whether j is LID or hosted-LID.
func (j JID) IsAnyLID() bool { return j.IsLID() || j.IsHostedLID() }

// Normalize strips a device of 0, returning the bare user@domain form.
// Non-zero devices pass through unchanged.
func Normalize(j JID) JID {
	if j.Device != 0 {
		return j
	}
	return JID{User: j.User, Device: 0, Domain: j.Domain}
}

// CanonicalPN rewrites a hosted-PN address to the ordinary PN domain,
// preserving user and device. Non-hosted-PN JIDs pass through unchanged.
// The opposite direction (device 99 onto the hosted domains) is handled by
// TransferDevice.
func CanonicalPN(j JID) JID {
	if j.Domain != DomainHostedPN {
		return j
	}
	return JID{User: j.User, Device: j.Device, Domain: DomainPN}
}

// TransferDevice returns target's user@domain with src's device number
// projected onto it. Device 99 on the source side routes the result to the
// hosted-LID domain when target is a LID address (and to hosted-PN when
// target is a PN address); every other device number keeps target's own
// domain unchanged.
func TransferDevice(src, target JID) JID {
	domain := target.Domain
	if src.Device == HostedDeviceID {
		switch {
		case target.IsAnyLID():
			domain = DomainHostedLID
		case target.IsAnyPN():
			domain = DomainHostedPN
		}
	}
	return JID{User: target.User, Device: src.Device, Domain: domain}
}

// SignalAddressName returns the "user.device" form used as a Signal store
// key, mirroring how go.mau.fi/libsignal's ProtocolAddress serializes.
func (j JID) SignalAddressName() string {
	return fmt.Sprintf("%s.%d", j.User, j.Device)
}

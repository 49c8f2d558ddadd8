package dhcp

import (
	"net"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"
)

func newTestHandler(t *testing.T, start, end string) *handler {
	t.Helper()
	return &handler{
		leases:    make(map[string]lease),
		startIP:   net.ParseIP(start).To4(),
		endIP:     net.ParseIP(end).To4(),
		nextIP:    net.ParseIP(start).To4(),
		leaseTime: time.Hour,
	}
}

func TestAssignStableLeasePerMAC(t *testing.T) {
	h := newTestHandler(t, "10.0.0.10", "10.0.0.12")

	first := h.assign("aa:bb:cc:dd:ee:01")
	if first == nil {
		t.Fatal("assign returned nil with free pool")
	}
	again := h.assign("aa:bb:cc:dd:ee:01")
	if !first.Equal(again) {
		t.Fatalf("same MAC got %s then %s", first, again)
	}

	second := h.assign("aa:bb:cc:dd:ee:02")
	if second == nil || second.Equal(first) {
		t.Fatalf("second MAC got %v, want a distinct address", second)
	}
}

func TestAssignExhaustsAndReusesReleased(t *testing.T) {
	h := newTestHandler(t, "10.0.0.10", "10.0.0.11")

	h.assign("aa:bb:cc:dd:ee:01")
	h.assign("aa:bb:cc:dd:ee:02")
	if ip := h.assign("aa:bb:cc:dd:ee:03"); ip != nil {
		t.Fatalf("exhausted pool still handed out %s", ip)
	}

	h.release("aa:bb:cc:dd:ee:01")
	if ip := h.assign("aa:bb:cc:dd:ee:03"); ip == nil {
		t.Fatal("released address was not reused")
	}
}

func TestArchHint(t *testing.T) {
	tests := []struct {
		name string
		arch iana.Arch
		want string
	}{
		{"bios", iana.INTEL_X86PC, "i386"},
		{"efi amd64", iana.EFI_X86_64, "amd64"},
		{"efi arm64", iana.EFI_ARM64, "arm64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := dhcpv4.New(dhcpv4.WithOption(dhcpv4.OptClientArch(tt.arch)))
			if err != nil {
				t.Fatalf("build request: %v", err)
			}
			if got := archHint(req); got != tt.want {
				t.Fatalf("archHint() = %q, want %q", got, tt.want)
			}
		})
	}

	bare, err := dhcpv4.New()
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if got := archHint(bare); got != "" {
		t.Fatalf("archHint() on bare request = %q, want empty", got)
	}
}

func TestIsIPXE(t *testing.T) {
	req, err := dhcpv4.New(dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionUserClassInformation, []byte("iPXE"))))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if !isIPXE(req) {
		t.Fatal("iPXE user class not detected")
	}

	plain, err := dhcpv4.New()
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if isIPXE(plain) {
		t.Fatal("bare request reported as iPXE")
	}
}

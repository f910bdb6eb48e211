package testutils

import (
	"github.com/go-ble/ble"
	"github.com/srg/trvd/internal/device"
)

// AdvertisementBuilder builds advertisements for scanner and adapter tests.
// Build returns a ble.Advertisement mock with expectations only for the fields
// that were set; BuildAdvertisement returns a plain device.Advertisement.
type AdvertisementBuilder struct {
	name        string
	address     string
	rssi        int
	services    []string
	connectable bool

	nameSet        bool
	addressSet     bool
	rssiSet        bool
	servicesSet    bool
	connectableSet bool
}

// NewAdvertisementBuilder creates a builder for a connectable advertisement.
func NewAdvertisementBuilder() *AdvertisementBuilder {
	return &AdvertisementBuilder{connectable: true}
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.name = name
	b.nameSet = true
	return b
}

func (b *AdvertisementBuilder) WithAddress(addr string) *AdvertisementBuilder {
	b.address = addr
	b.addressSet = true
	return b
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	b.rssiSet = true
	return b
}

// WithServices adds service UUIDs in short ("180D") or full form.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	b.services = append(b.services, uuids...)
	b.servicesSet = true
	return b
}

func (b *AdvertisementBuilder) WithConnectable(c bool) *AdvertisementBuilder {
	b.connectable = c
	b.connectableSet = true
	return b
}

// Build creates a MockAdvertisement implementing ble.Advertisement.
func (b *AdvertisementBuilder) Build() *MockAdvertisement {
	adv := &MockAdvertisement{}

	if b.addressSet {
		addr := &MockAddr{}
		addr.On("String").Return(b.address)
		adv.On("Addr").Return(addr)
	}
	if b.nameSet {
		adv.On("LocalName").Return(b.name)
	}
	if b.rssiSet {
		adv.On("RSSI").Return(b.rssi)
	}
	if b.servicesSet {
		uuids := make([]ble.UUID, 0, len(b.services))
		for _, s := range b.services {
			uuids = append(uuids, ble.MustParse(s))
		}
		adv.On("Services").Return(uuids)
	}
	if b.connectableSet {
		adv.On("Connectable").Return(b.connectable)
	}
	return adv
}

// BuildAdvertisement creates a device.Advertisement without mock expectations.
func (b *AdvertisementBuilder) BuildAdvertisement() device.Advertisement {
	return &FakeAdvertisement{
		Name:     b.name,
		Address:  b.address,
		Strength: b.rssi,
		UUIDs:    append([]string(nil), b.services...),
		Conn:     b.connectable,
	}
}

// FakeAdvertisement is a value implementation of device.Advertisement.
type FakeAdvertisement struct {
	Name     string
	Address  string
	Strength int
	UUIDs    []string
	Conn     bool
}

func (a *FakeAdvertisement) LocalName() string  { return a.Name }
func (a *FakeAdvertisement) Services() []string { return a.UUIDs }
func (a *FakeAdvertisement) Connectable() bool  { return a.Conn }
func (a *FakeAdvertisement) RSSI() int          { return a.Strength }
func (a *FakeAdvertisement) Addr() string       { return a.Address }

// AdvertisementListBuilder collects advertisements for a replayed scan.
//
//	ads := testutils.NewAdvertisementListBuilder().
//	    WithNewAdvertisement().WithName("CC-RT-M-BLE").WithAddress("00:1A:22:03:AC:11").Add().
//	    WithNewAdvertisement().WithName("Other").WithAddress("11:22:33:44:55:66").Add().
//	    Build()
type AdvertisementListBuilder struct {
	advertisements []device.Advertisement
}

func NewAdvertisementListBuilder() *AdvertisementListBuilder {
	return &AdvertisementListBuilder{}
}

// WithAdvertisements appends pre-built advertisements.
func (lb *AdvertisementListBuilder) WithAdvertisements(ads ...device.Advertisement) *AdvertisementListBuilder {
	lb.advertisements = append(lb.advertisements, ads...)
	return lb
}

// WithNewAdvertisement starts a new advertisement; Add returns to the list.
func (lb *AdvertisementListBuilder) WithNewAdvertisement() *AdvertisementListItem {
	return &AdvertisementListItem{AdvertisementBuilder: NewAdvertisementBuilder(), parent: lb}
}

func (lb *AdvertisementListBuilder) Build() []device.Advertisement {
	out := make([]device.Advertisement, len(lb.advertisements))
	copy(out, lb.advertisements)
	return out
}

// AdvertisementListItem is an AdvertisementBuilder bound to its list.
type AdvertisementListItem struct {
	*AdvertisementBuilder
	parent *AdvertisementListBuilder
}

func (it *AdvertisementListItem) WithName(name string) *AdvertisementListItem {
	it.AdvertisementBuilder.WithName(name)
	return it
}

func (it *AdvertisementListItem) WithAddress(addr string) *AdvertisementListItem {
	it.AdvertisementBuilder.WithAddress(addr)
	return it
}

func (it *AdvertisementListItem) WithRSSI(rssi int) *AdvertisementListItem {
	it.AdvertisementBuilder.WithRSSI(rssi)
	return it
}

// Add appends the advertisement to the list and returns the list builder.
func (it *AdvertisementListItem) Add() *AdvertisementListBuilder {
	it.parent.advertisements = append(it.parent.advertisements, it.BuildAdvertisement())
	return it.parent
}

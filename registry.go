/*
Copyright © 2026 Seednode <seednode@seedno.de>
*/

package main

import (
	"fmt"
)

// deviceRegistry tracks which connection holds each exclusive role slot.
// It is owned by the coordinator loop and never accessed concurrently,
// so it carries no lock of its own.
type deviceRegistry struct {
	slots map[Role]*Client
}

func newDeviceRegistry() *deviceRegistry {
	return &deviceRegistry{
		slots: make(map[Role]*Client),
	}
}

// register assigns role to c. Exclusive roles are rejected while a
// different live connection holds the slot; admins always pass.
func (reg *deviceRegistry) register(c *Client, role Role) error {
	if !role.valid() {
		return fmt.Errorf("unknown device type: %q", role)
	}

	if role.exclusive() {
		if holder, ok := reg.slots[role]; ok && holder != c {
			return fmt.Errorf("Maximum %ss currently open", role)
		}
		reg.slots[role] = c
	}

	c.role = role

	return nil
}

// forceRegister always succeeds. It returns the displaced holder, if
// any, so the coordinator can notify and close it before the new
// registration is observable; there is never a window with two holders.
func (reg *deviceRegistry) forceRegister(c *Client, role Role) (*Client, error) {
	if !role.valid() {
		return nil, fmt.Errorf("unknown device type: %q", role)
	}

	if !role.exclusive() {
		c.role = role
		return nil, nil
	}

	evicted := reg.slots[role]
	if evicted == c {
		evicted = nil
	}

	reg.slots[role] = c
	c.role = role

	return evicted, nil
}

// unregister clears c's slot on disconnect, but only if c is still the
// current holder. A stale disconnect arriving after a takeover must not
// knock out the new holder.
func (reg *deviceRegistry) unregister(c *Client) {
	if !c.role.exclusive() {
		return
	}

	if reg.slots[c.role] == c {
		delete(reg.slots, c.role)
	}
}

func (reg *deviceRegistry) holder(role Role) *Client {
	return reg.slots[role]
}

// connected reports slot occupancy per exclusive role, for /api/status.
func (reg *deviceRegistry) connected() map[Role]bool {
	return map[Role]bool{
		RoleController: reg.slots[RoleController] != nil,
		RoleDisplay:    reg.slots[RoleDisplay] != nil,
	}
}

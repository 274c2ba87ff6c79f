// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package network manages the libvirt virtual networks cases attach guests to.
//
// The Manager follows the same pattern as the other managers of the module:
//   - Constructor injection of the virsh wrapper
//   - Ensure/Get/Delete methods that accept context.Context
//   - Idempotent Ensure and Delete operations
//   - Error-based existence checking (Get returns ErrNetworkNotFound)
//
// # Modes
//
//   - nat: libvirt creates a bridge and masquerades outbound traffic (default)
//   - isolated: libvirt creates a bridge with no forwarding
//   - bridge: guests are attached to an existing host bridge
//
// # Usage
//
//	mgr := network.NewManager(virsh.New(process.NewLocalRunner(execCtx)))
//	created, err := mgr.Ensure(ctx, network.Config{
//		Name:      "virtcase-net",
//		Mode:      network.ModeIsolated,
//		DHCPStart: "192.168.151.10",
//		DHCPEnd:   "192.168.151.100",
//	})
//	if created {
//		defer mgr.Delete(ctx, "virtcase-net")
//	}
package network

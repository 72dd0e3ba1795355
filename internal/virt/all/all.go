// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package all registers every virtualization backend shipped with
// virt-who. Importing it for side effects makes virt.FromConfig know all
// supported source types.
package all

import (
	_ "github.com/candlepin/virt-who-go/internal/virt/ahv"
	_ "github.com/candlepin/virt-who-go/internal/virt/esx"
	_ "github.com/candlepin/virt-who-go/internal/virt/fake"
	_ "github.com/candlepin/virt-who-go/internal/virt/hyperv"
	_ "github.com/candlepin/virt-who-go/internal/virt/kubevirt"
	_ "github.com/candlepin/virt-who-go/internal/virt/libvirt"
	_ "github.com/candlepin/virt-who-go/internal/virt/rhevm"
	_ "github.com/candlepin/virt-who-go/internal/virt/vdsm"
	_ "github.com/candlepin/virt-who-go/internal/virt/xen"
)

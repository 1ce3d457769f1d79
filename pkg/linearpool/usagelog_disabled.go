// SPDX-License-Identifier: AGPL-3.0-only

//go:build !usagelog

package linearpool

const usageLogEnabled = false

// SPDX-License-Identifier: AGPL-3.0-only

//go:build usagelog

package linearpool

// Debug builds carry the usagelog tag and emit the periodic memory usage
// message by default.
const usageLogEnabled = true

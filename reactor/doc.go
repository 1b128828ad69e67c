// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the completion port: the platform binding layer
// that submits asynchronous socket operations and yields their completions,
// with implementations for IOCP (Windows) and an epoll proactor (Linux).
package reactor

package protocol

// This package implements the parsing and serialising of frames for the
// protocol that Reveille uses to communicate with it's clients.
//
// This protocol aims to be
//
// - trivial to implement in any language with a byte buffer
// - fixed layout, so headers can be read with a single read
// - bounded, so a client cannot make the server allocate without limit
//
// - `Request` - A client asks to be woken up at a unix time.
// - `Response` - The server wakes the client by pushing a cookie back over
//                the connection the request arrived on.
//
// === Request
//
//  0               4                               12              16
//  +---------------+-------------------------------+---------------+---------
//  | id (u32)      | due_time (u64, unix seconds)  | length (u32)  | payload
//  +---------------+-------------------------------+---------------+---------
//
// === Response
//
//  0               4               8
//  +---------------+---------------+---------
//  | id (u32)      | size (u32)    | cookie
//  +---------------+---------------+---------
//
// All integers are in network (big-endian) order.
//
// The request ID is chosen by the client and is echoed back unchanged. The
// server does not require it to be unique, a client that reuses ids will
// simply receive multiple responses carrying the same id.
//
// A connection may carry several requests one after another. The server will
// not read the next request until it has responded to the current one.

/*
Package se manages sessions and channels to secure elements.

A Service snapshots the readers of a Driver. A Reader opens Sessions to its
secure element; a Session opens the basic channel or logical channels bound to
an application identifier; a Channel transmits APDUs. Closing a level closes
everything below it:

	Service -> Reader -> Session -> Channel

Every reader has one physical link shared by its sessions. All exchanges with
the secure element go through that link one at a time, so commands of
different sessions and channels are never interleaved on the wire.

Commands given to Channel.Transmit are channel-agnostic: the CLA byte is
rewritten with the channel number before sending.

	svc, err := se.Open(ctx, driver)
	readers, _ := svc.Readers()
	session, _ := readers[0].OpenSession(ctx)
	channel, _ := session.OpenLogicalChannel(ctx, aid)
	resp, err := channel.Transmit(ctx, []byte{0x00, 0x01, 0x00, 0x00}, 258)
	...
	svc.Close(ctx)

Errors carry an ErrorCode and match the package sentinels with errors.Is.
*/
package se

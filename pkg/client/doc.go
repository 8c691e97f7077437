/*
Package client is a Go client for the middlewared websocket API.

A Client holds one websocket connection and multiplexes calls over it by
message id. Dial performs the connect handshake; Login or LoginWithToken
authenticates the session.

	c, err := client.Dial(ctx, "ws://127.0.0.1:6000/websocket")
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Login(ctx, "root", password); err != nil {
		return err
	}

	var version string
	if err := c.CallInto(ctx, &version, "system.version"); err != nil {
		return err
	}

Job methods return a job id; CallJob waits for the job through
core.job_wait and returns its result.

Subscribe registers a handler for an event name or pattern ("alert.*",
"*"). Events are delivered on the read goroutine, so handlers must not
block.

Errors returned by the server come back as *apierr.Error with their errno
and reason. A dropped connection fails every pending call with an error
matching apierr.ErrPeerUnreachable; later calls return ErrClosed.
*/
package client

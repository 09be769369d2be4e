package ws

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoveConnection_ClosesSocketAndNotifies(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	disconnects := 0
	var gone *Connection
	s.SetOnDisconnect(func(c *Connection) {
		disconnects++
		gone = c
	})

	client, serverSide := net.Pipe()
	defer client.Close()

	c := &Connection{ID: "c-1", Conn: serverSide, Fd: -1}
	c.BindUser("u-1")
	s.conns.Add(c)

	s.RemoveConnection(c)

	require.Equal(t, 1, disconnects)
	assert.Equal(t, "c-1", gone.ID)
	assert.Equal(t, "u-1", gone.UserID(), "bound user readable from the callback")
	assert.Nil(t, s.conns.Get("c-1"))

	// The peer observes the close.
	_ = client.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, err := client.Read(make([]byte, 1))
	assert.Error(t, err)
}

func TestRemoveConnection_SecondRemoveIsNoop(t *testing.T) {
	s := NewServer(DefaultServerConfig(), nil)

	disconnects := 0
	s.SetOnDisconnect(func(c *Connection) { disconnects++ })

	_, serverSide := net.Pipe()
	c := &Connection{ID: "c-1", Conn: serverSide, Fd: -1}
	s.conns.Add(c)

	s.RemoveConnection(c)
	s.RemoveConnection(c)

	assert.Equal(t, 1, disconnects, "disconnect callback fires once")
}

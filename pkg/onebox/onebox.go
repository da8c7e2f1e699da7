package onebox

import "net"

func sdnotify(socket, state string) (bool, error) {
	if socket == "" {
		return false, nil
	}

	socketAddr := &net.UnixAddr{
		Name: socket,
		Net:  "unixgram",
	}

	conn, err := net.DialUnix(socketAddr.Net, nil, socketAddr)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	if _, err = conn.Write([]byte(state)); err != nil {
		return false, err
	}
	return true, nil
}

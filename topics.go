package hubmesh

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/raskyld/hubmesh/pkg/stream"
)

const (
	NamespaceBroadcast        = "ALL"
	NamespaceUnicast          = "SERVER"
	NamespaceClientDisconnect = "CLIENT_DISCONNECT"
	NamespaceServerDisconnect = "SERVER_DISCONNECT"
)

func BroadcastTopic(hub string) stream.Topic {
	return stream.Topic{Namespace: NamespaceBroadcast, Key: hub}
}

// UnicastTopic is the topic a server receives connection-addressed
// messages on. With more than one replica, shard selects one of its
// topics.
func UnicastTopic(serverID string, shard, replicas int) stream.Topic {
	key := serverID
	if replicas > 1 {
		key += keyDelimiter + strconv.Itoa(shard)
	}
	return stream.Topic{Namespace: NamespaceUnicast, Key: key}
}

// ShardOf maps a connection to one of replicas unicast shards.
func ShardOf(connectionID string, replicas int) int {
	if replicas <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(connectionID) % uint64(replicas))
}

func DisconnectTopic(connectionID string) stream.Topic {
	return stream.Topic{Namespace: NamespaceClientDisconnect, Key: connectionID}
}

func FailureTopic(serverID string) stream.Topic {
	return stream.Topic{Namespace: NamespaceServerDisconnect, Key: serverID}
}

package domain

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// StableNodeID 为手动节点派生稳定 ID：同一 (kind, name, server, port) 始终得到同一 ID，
// 这样删除/重建配置文件不会让前端持有的引用失效。
func StableNodeID(node Node) string {
	key := strings.Join([]string{
		"node",
		strings.TrimSpace(node.Name),
		strings.TrimSpace(node.Server),
		strconv.Itoa(int(node.Port)),
		string(node.Kind),
	}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// StableSubscriptionID 为订阅 URL 派生稳定 ID
func StableSubscriptionID(url string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(strings.TrimSpace(url))).String()
}

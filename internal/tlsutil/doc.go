// Package tlsutil 集中 dagflow 的 TLS 设置：HTTPS 服务端配置，以及 http 步骤
// 和 CLI health 命令共用的客户端（TLS 1.2 起步，只允许 AEAD 密码套件，可追加自定义 CA）。
package tlsutil

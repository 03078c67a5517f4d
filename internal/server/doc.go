/*
Package server 管理 dagflow 的 HTTP/HTTPS 监听端口（API 端口与 metrics 端口各一个 Manager）。

Start 同步完成证书加载与端口监听后在后台服务，Wait 在 ctx 结束或服务异常退出时
调用 Shutdown 排空请求。Manager 只能启动一次，关闭后不能重启。
Addr 在启动后返回实际绑定地址，测试可以监听 ":0"。
*/
package server

/*
包 server 管理 HTTP 服务器的生命周期。

Manager 封装 net/http.Server：Start 非阻塞监听，Shutdown 在超时内
排空请求，Errors 传播异步服务错误。配置了证书时以 HTTPS 启动，
TLS 参数来自 tlsutil。

Run 同时运行多个 Manager（API 与 /metrics），任一服务失败或
ctx 结束时统一优雅关闭。
*/
package server

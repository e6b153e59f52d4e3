/*
包 cache 是查询向量缓存与回答缓存共用的 Redis 存储。

Manager 只提供 JSON 读写（GetJSON / SetJSON）、Ping 与 Close，键统一加
KeyPrefix。回答缓存需要 SETNX 语义时通过 Client 直接访问 go-redis。
未命中返回 ErrCacheMiss；Redis 故障返回其它错误，调用方据此区分降级与未命中。
*/
package cache

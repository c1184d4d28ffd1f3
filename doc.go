// Package taskpipe 提供面向任务的发布订阅管道：广播消息、向命名队列派发任务、
// 跨异步请求/响应往返追踪任务状态，并按需将队列标识解析为可插拔的传输句柄
// （RabbitMQ/Redis/内存）。
//
// 组成：HandlerRegistry（队列 -> 传输句柄，按域配置惰性构建并缓存）、
// TaskTracker（任务状态表，支持带超时的阻塞等待）、SubscriptionManager
// （按队列幂等订阅）以及对外的 Pipeline 门面；另提供 Workers 与 Cron。
package taskpipe
